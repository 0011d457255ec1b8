package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/chillpanda/bamboo/pkg/store"
)

const (
	// conversationLimit caps how many messages one history fetch returns.
	conversationLimit = 50

	// sessionListLimit caps the conversations listed per user.
	sessionListLimit = 100
)

// messageBody is one message in a conversation history response.
type messageBody struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// conversationBody is the response for the conversation history endpoint.
type conversationBody struct {
	SessionID     string        `json:"session_id"`
	Messages      []messageBody `json:"messages"`
	TotalMessages int           `json:"total_messages"`
}

// sessionBody summarises one conversation in the session list response.
type sessionBody struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int64     `json:"message_count"`
}

// deleteBody is the response for the session delete endpoint.
type deleteBody struct {
	Message string `json:"message"`
}

// handleConversation handles GET /api/v1/conversation/{session_id}. An
// unknown session returns an empty history, not a 404.
func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	msgs, err := h.convs.History(r.Context(), sessionID, conversationLimit)
	if err != nil {
		slog.Error("conversation fetch failed", "session_id", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	out := conversationBody{
		SessionID:     sessionID,
		Messages:      make([]messageBody, 0, len(msgs)),
		TotalMessages: len(msgs),
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageBody{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSessions handles GET /api/v1/sessions/{user_id}.
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	infos, err := h.convs.Conversations(r.Context(), userID, sessionListLimit)
	if err != nil {
		slog.Error("session list failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]sessionBody, 0, len(infos))
	for _, info := range infos {
		out = append(out, sessionBody{
			SessionID:    info.SessionID,
			UserID:       info.UserID,
			CreatedAt:    info.CreatedAt,
			LastActivity: info.UpdatedAt,
			MessageCount: info.MessageCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteSession handles DELETE /api/v1/session/{session_id}.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	err := h.convs.DeleteConversation(r.Context(), sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		slog.Error("session delete failed", "session_id", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
	default:
		writeJSON(w, http.StatusOK, deleteBody{Message: "Session deleted successfully"})
	}
}
