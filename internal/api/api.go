// Package api serves the HTTP companion surface of the voice gateway:
// text chat under the same persona, conversation history CRUD, and voice
// usage reporting for users and operators.
//
// All routes live under /api/v1. Error responses are JSON objects with a
// single "detail" field, the shape the companion clients already parse.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chillpanda/bamboo/internal/chat"
	"github.com/chillpanda/bamboo/internal/config"
	"github.com/chillpanda/bamboo/pkg/store"
)

// Config carries the dependencies of a Handler.
type Config struct {
	// Chat answers POST /chat and POST /chat/stream.
	Chat *chat.Service

	// Conversations backs the conversation and session endpoints.
	Conversations store.ConversationStore

	// Usage and Reports back the voice usage and management endpoints.
	Usage   store.UsageStore
	Reports store.UsageReporter

	// Limits supplies the quota bounds reported in usage summaries.
	Limits config.LimitsConfig

	// Session supplies the default language and role for chat requests
	// that omit them.
	Session config.SessionConfig
}

// Option configures a Handler beyond its required dependencies.
type Option func(*Handler)

// WithClock overrides the time source used for day and month bucket keys.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler implements the /api/v1 routes. Safe for concurrent use.
type Handler struct {
	chat    *chat.Service
	convs   store.ConversationStore
	usage   store.UsageStore
	reports store.UsageReporter
	limits  config.LimitsConfig
	session config.SessionConfig
	now     func() time.Time
}

// New validates cfg and returns a Handler.
func New(cfg Config, opts ...Option) (*Handler, error) {
	if cfg.Chat == nil {
		return nil, fmt.Errorf("api: chat service is required")
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("api: conversation store is required")
	}
	if cfg.Usage == nil {
		return nil, fmt.Errorf("api: usage store is required")
	}
	if cfg.Reports == nil {
		return nil, fmt.Errorf("api: usage reporter is required")
	}
	h := &Handler{
		chat:    cfg.Chat,
		convs:   cfg.Conversations,
		usage:   cfg.Usage,
		reports: cfg.Reports,
		limits:  cfg.Limits,
		session: cfg.Session,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register installs the /api/v1 routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chat", h.handleChat)
	mux.HandleFunc("POST /api/v1/chat/stream", h.handleChatStream)
	mux.HandleFunc("GET /api/v1/conversation/{session_id}", h.handleConversation)
	mux.HandleFunc("GET /api/v1/sessions/{user_id}", h.handleSessions)
	mux.HandleFunc("DELETE /api/v1/session/{session_id}", h.handleDeleteSession)
	mux.HandleFunc("GET /api/v1/voice-usage/{user_id}", h.handleUsageSummary)
	mux.HandleFunc("GET /api/v1/voice-usage/{user_id}/history", h.handleUsageHistory)
	mux.HandleFunc("GET /api/v1/voice/management/all", h.handleManagementAll)
	mux.HandleFunc("GET /api/v1/voice/management/{user_id}", h.handleManagementDetail)
	mux.HandleFunc("POST /api/v1/voice/management/{user_id}/reset", h.handleManagementReset)
}

// language maps a request value onto a supported language, falling back to
// the configured default.
func (h *Handler) language(raw string) config.Language {
	if l := config.Language(raw); l.IsValid() {
		return l
	}
	return h.session.DefaultLanguage
}

// role maps a request value onto a supported persona role, falling back to
// the configured default.
func (h *Handler) role(raw string) config.Role {
	if ro := config.Role(raw); ro.IsValid() {
		return ro
	}
	return h.session.DefaultRole
}

// errorBody is the error response shape for every /api/v1 route.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"detail":"encoding failed"}`, http.StatusInternalServerError)
	}
}
