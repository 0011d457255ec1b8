package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/chillpanda/bamboo/internal/config"
)

// closeCodeMissingUser tells the client the connection lacked the required
// user_id query parameter.
const closeCodeMissingUser websocket.StatusCode = 4001

// Params carries the identity and persona selections of one client
// connection.
type Params struct {
	UserID string

	// SessionID is the raw client-supplied value; the session layer
	// validates it or mints a fresh id.
	SessionID string

	Source   config.Source
	Language config.Language
	Role     config.Role
}

// SessionRunner runs a full voice session over an accepted connection and
// returns when the session is torn down.
type SessionRunner interface {
	RunSession(ctx context.Context, conn *websocket.Conn, p Params) error
}

// Handler upgrades /ws/{source} requests and hands the connection to the
// session layer.
type Handler struct {
	runner   SessionRunner
	defaults config.SessionConfig
}

// NewHandler builds the websocket entry point. defaults supplies the
// language and role applied when the client omits them.
func NewHandler(runner SessionRunner, defaults config.SessionConfig) *Handler {
	return &Handler{runner: runner, defaults: defaults}
}

// Register installs the websocket route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{source}", h.serve)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	source := config.Source(r.PathValue("source"))
	if !source.IsValid() {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Companion devices and the mobile app send no Origin header, so
		// origin verification stays off.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		conn.Close(closeCodeMissingUser, "user_id required")
		return
	}

	p := Params{
		UserID:    userID,
		SessionID: q.Get("session_id"),
		Source:    source,
		Language:  h.language(q.Get("language")),
		Role:      h.role(q.Get("role")),
	}

	if err := h.runner.RunSession(r.Context(), conn, p); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session ended with error", "user_id", userID, "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// language maps the query value onto a supported language, falling back to
// the configured default.
func (h *Handler) language(raw string) config.Language {
	if raw == "" {
		return h.defaults.DefaultLanguage
	}
	if l := config.Language(raw); l.IsValid() {
		return l
	}
	slog.Warn("unsupported language requested, using default", "language", raw)
	return h.defaults.DefaultLanguage
}

// role maps the query value onto a supported persona role, falling back to
// the configured default.
func (h *Handler) role(raw string) config.Role {
	if raw == "" {
		return h.defaults.DefaultRole
	}
	if ro := config.Role(raw); ro.IsValid() {
		return ro
	}
	slog.Warn("unsupported role requested, using default", "role", raw)
	return h.defaults.DefaultRole
}
