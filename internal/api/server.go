// Package api wires the HTTP surface: routing, CORS, per-request logging
// and metrics, and the JSON handlers around the relay and the stores.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/neonforge/neonforge/internal/auth"
	"github.com/neonforge/neonforge/internal/history"
	"github.com/neonforge/neonforge/internal/logging"
	"github.com/neonforge/neonforge/internal/metrics"
	"github.com/neonforge/neonforge/internal/projects"
	"github.com/neonforge/neonforge/internal/storage"
	"github.com/neonforge/neonforge/pkg/models"
	"github.com/neonforge/neonforge/pkg/protocol"
	"github.com/neonforge/neonforge/pkg/tree"
)

// defaultMaxUploadBytes caps a single attachment upload when the caller
// does not configure a limit.
const defaultMaxUploadBytes = 10 << 20

// HistoryReader is the read side of conversation history the API exposes.
type HistoryReader interface {
	ListConversations(ctx context.Context, userID int) ([]models.Conversation, error)
	ListMessages(ctx context.Context, userID int, conversationID string) ([]models.StoredMessage, error)
}

// Server is the HTTP API.
type Server struct {
	auth        *auth.Auth
	chat        http.Handler
	history     HistoryReader
	projects    *projects.Store
	attachments *storage.AttachmentStore
	maxUpload   int64
}

// NewServer assembles the API. chat is the relay handler; history,
// projects and attachments may be nil, which disables their routes.
func NewServer(a *auth.Auth, chat http.Handler, history HistoryReader, proj *projects.Store, att *storage.AttachmentStore) *Server {
	return &Server{
		auth:        a,
		chat:        chat,
		history:     history,
		projects:    proj,
		attachments: att,
		maxUpload:   defaultMaxUploadBytes,
	}
}

// SetMaxUpload overrides the attachment upload size cap.
func (s *Server) SetMaxUpload(n int64) {
	if n > 0 {
		s.maxUpload = n
	}
}

// Router builds the chi router with the middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(metricsMiddleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", s.auth.HandleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)

			r.Post("/chat", s.chat.ServeHTTP)

			if s.history != nil {
				r.Get("/conversations", s.handleListConversations)
				r.Get("/conversations/{id}/messages", s.handleListMessages)
			}
			if s.projects != nil {
				r.Get("/projects/{id}/tree", s.handleGetTree)
				r.Put("/projects/{id}/tree", s.handlePutTree)
				r.Post("/projects/{id}/tree/toggle", s.treeOpHandler(projects.OpToggle))
				r.Post("/projects/{id}/tree/insert", s.treeOpHandler(projects.OpInsert))
				r.Post("/projects/{id}/tree/remove", s.treeOpHandler(projects.OpRemove))
			}
			if s.attachments != nil {
				r.Post("/attachments", s.handleUploadAttachment)
				r.Get("/attachments/{id}", s.handleDownloadAttachment)
				r.Delete("/attachments/{id}", s.handleDeleteAttachment)
			}
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	convs, err := s.history.ListConversations(r.Context(), claims.UserID)
	if err != nil {
		logging.WithContext(r.Context()).Error("list conversations failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, protocol.ConversationListResponse{Conversations: convs})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	convID := chi.URLParam(r, "id")

	msgs, err := s.history.ListMessages(r.Context(), claims.UserID, convID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "conversation not found")
			return
		}
		logging.WithContext(r.Context()).Error("list messages failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, protocol.MessageListResponse{
		ConversationID: convID,
		Messages:       msgs,
	})
}

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	root, err := s.projects.GetTree(r.Context(), claims.UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeProjectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.TreeResponse{Root: root})
}

func (s *Server) handlePutTree(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	var req protocol.TreeResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Root == nil {
		writeErr(w, http.StatusBadRequest, "invalid tree payload")
		return
	}
	if err := s.projects.PutTree(r.Context(), claims.UserID, chi.URLParam(r, "id"), req.Root); err != nil {
		s.writeProjectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.TreeResponse{Root: req.Root})
}

// treeOpHandler builds the handler for one mutation endpoint. All three ops
// share the same request/response shape.
func (s *Server) treeOpHandler(op projects.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := auth.GetClaims(r.Context())

		var req protocol.TreeOpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if op == projects.OpInsert && req.Node == nil {
			writeErr(w, http.StatusBadRequest, "node is required for insert")
			return
		}

		root, err := s.projects.Apply(r.Context(), claims.UserID, chi.URLParam(r, "id"), op, req.Path, req.Node)
		if err != nil {
			s.writeProjectError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.TreeResponse{Root: root})
	}
}

func (s *Server) writeProjectError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, projects.ErrNotFound):
		writeErr(w, http.StatusNotFound, "project not found")
	case errors.Is(err, tree.ErrInvalidPath):
		writeErr(w, http.StatusBadRequest, "path does not resolve to a node")
	case errors.Is(err, tree.ErrInvalidOperation):
		writeErr(w, http.StatusBadRequest, "operation not valid for this node")
	default:
		logging.WithContext(r.Context()).Error("project operation failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "database error")
	}
}

func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	att, err := s.attachments.Save(r.Context(), claims.UserID,
		header.Filename, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		logging.WithContext(r.Context()).Error("attachment upload failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "upload failed")
		return
	}
	metrics.RecordAttachmentBytes("in", att.Size)

	writeJSON(w, http.StatusCreated, protocol.AttachmentResponse{
		ID:       att.ID,
		Name:     att.Name,
		Size:     att.Size,
		MimeType: att.MimeType,
		URL:      fmt.Sprintf("/api/v1/attachments/%s", att.ID),
	})
}

func (s *Server) handleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	att, rc, err := s.attachments.Open(r.Context(), claims.UserID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrAttachmentNotFound) {
			writeErr(w, http.StatusNotFound, "attachment not found")
			return
		}
		logging.WithContext(r.Context()).Error("attachment download failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "download failed")
		return
	}
	defer rc.Close()

	if att.MimeType != "" {
		w.Header().Set("Content-Type", att.MimeType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Name))
	n, _ := io.Copy(w, rc)
	metrics.RecordAttachmentBytes("out", n)
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	err := s.attachments.Delete(r.Context(), claims.UserID, chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrAttachmentNotFound) {
		writeErr(w, http.StatusNotFound, "attachment not found")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("attachment delete failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusRecorder captures the response code for metrics while keeping
// Flush available to the streaming chat handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		// The route pattern, not the raw path, keeps label cardinality
		// bounded.
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(r.Method, path, sr.status, time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, protocol.ErrorResponse{Error: message, Code: code})
}
