// Package relay implements the chat pipeline: authenticate, rate-limit,
// validate, build the mode prompt, forward to the inference gateway and
// pipe the stream back.
//
// Every chat endpoint and mode runs through this one handler; modes differ
// only in the system prompt template they select. The relay is a
// transparent pass-through: upstream bytes reach the caller unmodified,
// while a tee through the SSE decoder accumulates the assistant text for
// history.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/neonforge/neonforge/internal/auth"
	"github.com/neonforge/neonforge/internal/logging"
	"github.com/neonforge/neonforge/internal/metrics"
	"github.com/neonforge/neonforge/internal/prompts"
	"github.com/neonforge/neonforge/internal/ratelimit"
	"github.com/neonforge/neonforge/internal/upstream"
	"github.com/neonforge/neonforge/pkg/models"
	"github.com/neonforge/neonforge/pkg/protocol"
	"github.com/neonforge/neonforge/pkg/sse"
)

// Upstream is the streaming gateway the relay forwards to.
type Upstream interface {
	Stream(ctx context.Context, model string, messages []models.ChatMessage) (io.ReadCloser, error)
}

// HistoryStore persists completed exchanges. Failures are logged, never
// surfaced: by the time history is written the caller's response has
// already succeeded.
type HistoryStore interface {
	EnsureConversation(ctx context.Context, userID int, id string) (string, error)
	AppendMessage(ctx context.Context, userID int, conversationID string, msg models.ChatMessage) error
}

// Options configures a Handler.
type Options struct {
	MaxMessageChars int           // per-message content cap, default 4000
	IdleReadTimeout time.Duration // abort a hung upstream, default 60s
}

// Handler serves POST /api/v1/chat.
type Handler struct {
	limiter  *ratelimit.Limiter
	upstream Upstream
	history  HistoryStore
	opts     Options
	logger   *zap.Logger
}

// NewHandler creates the chat handler. history may be nil to disable
// persistence; logger may be nil.
func NewHandler(limiter *ratelimit.Limiter, up Upstream, history HistoryStore, opts Options, logger *zap.Logger) *Handler {
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = 4000
	}
	if opts.IdleReadTimeout <= 0 {
		opts.IdleReadTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{limiter: limiter, upstream: up, history: history, opts: opts, logger: logger}
}

// ServeHTTP runs the request through the pipeline. The auth middleware has
// already rejected unauthenticated callers; claims are read from context.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return
	}
	logger := logging.WithContext(r.Context())

	// Rate check. Headers go on every response, allowed or not.
	res := h.limiter.Check(r.Context(), claims.Identity())
	setRateHeaders(w, res)
	if !res.Allowed {
		metrics.RecordRateLimitHit()
		// The body is unread at this point, so the mode is not known yet.
		metrics.RecordChatRequest("unknown", "rate_limited")
		logger.Warn("rate limit exceeded",
			zap.String("identity", claims.Identity()),
			zap.Time("reset_at", res.ResetAt))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, please wait", &res.ResetAt)
		return
	}

	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordChatRequest("unknown", "bad_request")
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	mode := req.Mode
	if !prompts.Known(mode) {
		mode = prompts.ModeChat
	}
	if err := validateMessages(req.Messages, h.opts.MaxMessageChars); err != nil {
		metrics.RecordChatRequest(mode, "bad_request")
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	// Forward with the mode prompt prepended. The upstream request context
	// is the caller's: a client disconnect cancels the gateway stream.
	outbound := make([]models.ChatMessage, 0, len(req.Messages)+1)
	outbound = append(outbound, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: prompts.System(mode),
	})
	outbound = append(outbound, req.Messages...)

	streamCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	body, err := h.upstream.Stream(streamCtx, req.Model, outbound)
	if err != nil {
		h.writeUpstreamError(w, logger, mode, err)
		return
	}
	defer body.Close()

	h.pipe(w, r, logger, body, cancel, claims, req, mode)
}

// pipe copies the upstream stream to the caller, flushing per chunk, with
// an idle-read watchdog. On normal upstream EOF the accumulated exchange is
// persisted.
func (h *Handler) pipe(
	w http.ResponseWriter,
	r *http.Request,
	logger *zap.Logger,
	body io.Reader,
	cancel context.CancelFunc,
	claims *auth.Claims,
	req protocol.ChatRequest,
	mode string,
) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	decoder := sse.NewDecoder(logger)
	var assistant []byte

	metrics.StreamStarted()
	start := time.Now()

	// The watchdog cancels the upstream context when no bytes arrive for
	// IdleReadTimeout; each read rearms it.
	watchdog := time.AfterFunc(h.opts.IdleReadTimeout, cancel)
	defer watchdog.Stop()

	buf := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := body.Read(buf)
		if n > 0 {
			watchdog.Reset(h.opts.IdleReadTimeout)
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Caller went away; stop draining the upstream.
				cancel()
				readErr = werr
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			metrics.AddBytesRelayed(int64(n))
			for _, frag := range decoder.Feed(buf[:n]) {
				assistant = append(assistant, frag...)
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}
	for _, frag := range decoder.Finish() {
		assistant = append(assistant, frag...)
	}
	metrics.AddMalformedLines(decoder.Malformed())
	metrics.StreamFinished(time.Since(start))

	if readErr != nil && readErr != io.EOF {
		// Transport died mid-stream. The caller keeps whatever was piped;
		// there is nothing useful left to send on a committed SSE response.
		metrics.RecordChatRequest(mode, "interrupted")
		logger.Warn("stream interrupted",
			zap.Error(readErr),
			zap.Int("assistant_bytes", len(assistant)))
		return
	}

	metrics.RecordChatRequest(mode, "complete")
	logger.Info("stream complete",
		zap.String("mode", mode),
		zap.Int("assistant_bytes", len(assistant)),
		zap.Bool("saw_done", decoder.Done()))

	h.persist(claims, req, string(assistant))
}

// persist records the final user+assistant pair in a detached goroutine.
// The response already succeeded; a history failure only gets logged.
func (h *Handler) persist(claims *auth.Claims, req protocol.ChatRequest, assistant string) {
	if h.history == nil || assistant == "" {
		return
	}
	userMsg := req.Messages[len(req.Messages)-1]

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		convID, err := h.history.EnsureConversation(ctx, claims.UserID, req.ConversationID)
		if err != nil {
			metrics.RecordHistoryWrite(false)
			h.logger.Error("history: ensure conversation failed", zap.Error(err))
			return
		}
		if err := h.history.AppendMessage(ctx, claims.UserID, convID, userMsg); err != nil {
			metrics.RecordHistoryWrite(false)
			h.logger.Error("history: append user message failed", zap.Error(err))
			return
		}
		if err := h.history.AppendMessage(ctx, claims.UserID, convID, models.ChatMessage{
			Role:    models.RoleAssistant,
			Content: assistant,
		}); err != nil {
			metrics.RecordHistoryWrite(false)
			h.logger.Error("history: append assistant message failed", zap.Error(err))
			return
		}
		metrics.RecordHistoryWrite(true)
	}()
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, logger *zap.Logger, mode string, err error) {
	switch {
	case errors.Is(err, upstream.ErrRateLimited):
		metrics.RecordUpstreamError("rate_limited")
		metrics.RecordChatRequest(mode, "upstream_rate_limited")
		writeError(w, http.StatusTooManyRequests, "AI gateway is rate limited, try again shortly", nil)
	case errors.Is(err, upstream.ErrQuotaExhausted):
		metrics.RecordUpstreamError("quota_exhausted")
		metrics.RecordChatRequest(mode, "upstream_quota")
		writeError(w, http.StatusPaymentRequired, "AI quota exhausted", nil)
	default:
		metrics.RecordUpstreamError("error")
		metrics.RecordChatRequest(mode, "upstream_error")
		logger.Error("upstream request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "connection to AI failed", nil)
	}
}

func validateMessages(msgs []models.ChatMessage, maxChars int) error {
	if len(msgs) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range msgs {
		switch m.Role {
		case models.RoleUser, models.RoleAssistant, models.RoleSystem:
		default:
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("message %d: content must not be empty", i)
		}
		if utf8.RuneCountInString(m.Content) > maxChars {
			return fmt.Errorf("message %d: content exceeds %d characters", i, maxChars)
		}
	}
	return nil
}

func setRateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set(protocol.HeaderRateLimitLimit, fmt.Sprintf("%d", res.Limit))
	w.Header().Set(protocol.HeaderRateLimitRemaining, fmt.Sprintf("%d", res.Remaining))
	w.Header().Set(protocol.HeaderRateLimitReset, res.ResetAt.UTC().Format(time.RFC3339))
}

func writeError(w http.ResponseWriter, code int, message string, resetAt *time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: message, Code: code, ResetAt: resetAt})
}
