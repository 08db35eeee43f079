// Package upstream is the client for the OpenAI-compatible inference
// gateway the relay forwards chat requests to.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/neonforge/neonforge/pkg/models"
)

// Failure classes the relay maps to caller-facing statuses. Any other
// non-2xx upstream response surfaces as a *StatusError.
var (
	ErrRateLimited    = errors.New("upstream: rate limited")
	ErrQuotaExhausted = errors.New("upstream: quota exhausted")
)

// StatusError is an upstream non-2xx response outside the mapped classes.
// The upstream body is logged, never carried in the error: raw gateway
// errors must not leak to callers.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: status %d", e.StatusCode)
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// Client issues streaming chat-completion requests.
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
	logger       *zap.Logger
}

// New creates a gateway client. The http.Client must not carry a global
// timeout; streams are bounded by request contexts and the relay's
// idle-read timeout instead.
func New(baseURL, apiKey, defaultModel string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		httpClient:   &http.Client{},
		logger:       logger,
	}
}

// Stream POSTs the conversation with stream:true and returns the raw SSE
// body for pass-through. The caller owns the body and must close it;
// cancelling ctx aborts the stream.
func (c *Client) Stream(ctx context.Context, model string, messages []models.ChatMessage) (io.ReadCloser, error) {
	if model == "" {
		model = c.defaultModel
	}
	wire := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, wireMessage{Role: m.Role, Content: flattenContent(m)})
	}

	body, err := json.Marshal(chatPayload{Model: model, Messages: wire, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		c.logger.Warn("gateway returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("body", strings.TrimSpace(string(detail))))

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return nil, ErrRateLimited
		case http.StatusPaymentRequired:
			return nil, ErrQuotaExhausted
		default:
			return nil, &StatusError{StatusCode: resp.StatusCode}
		}
	}

	return resp.Body, nil
}

// flattenContent folds text-bearing attachments into the message body so
// the gateway sees them as context. Image attachments stay studio-side.
func flattenContent(m models.ChatMessage) string {
	if len(m.Attachments) == 0 {
		return m.Content
	}
	var sb strings.Builder
	sb.WriteString(m.Content)
	for _, a := range m.Attachments {
		if a.Content == "" {
			continue
		}
		sb.WriteString("\n\n--- attachment: ")
		sb.WriteString(a.Name)
		sb.WriteString(" ---\n")
		sb.WriteString(a.Content)
	}
	return sb.String()
}
