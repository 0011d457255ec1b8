package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/chillpanda/bamboo/internal/chat"
)

// chatRequest is the JSON body for both chat endpoints.
type chatRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	InputText string `json:"input_text"`
	Language  string `json:"language"`
	Role      string `json:"role"`
}

// chatResponse is the JSON body returned from the non-streaming endpoint.
type chatResponse struct {
	Reply      string `json:"reply"`
	SessionID  string `json:"session_id"`
	MessageID  string `json:"message_id"`
	IsCritical bool   `json:"is_critical,omitempty"`
}

// streamEvent is one server-sent event on the streaming endpoint. Deltas
// carry is_end false; the terminal event carries is_end true plus the
// stored message id.
type streamEvent struct {
	Reply      string `json:"reply"`
	SessionID  string `json:"session_id"`
	IsEnd      bool   `json:"is_end"`
	MessageID  string `json:"message_id,omitempty"`
	IsCritical bool   `json:"is_critical,omitempty"`
}

// handleChat handles POST /api/v1/chat.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := h.chat.Complete(r.Context(), h.chatServiceRequest(req))
	if err != nil {
		status, detail := chatErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("chat request failed", "session_id", req.SessionID, "err", err)
		}
		writeError(w, status, detail)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Reply:      reply.Reply,
		SessionID:  reply.SessionID,
		MessageID:  reply.MessageID,
		IsCritical: reply.IsCritical,
	})
}

// handleChatStream handles POST /api/v1/chat/stream. The response headers
// are deferred until the first delta so validation failures still get a
// proper status code.
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sreq := h.chatServiceRequest(req)
	started := false
	emit := func(delta string) error {
		if !started {
			startEventStream(w)
			started = true
		}
		if err := writeEvent(w, streamEvent{Reply: delta, SessionID: sreq.SessionID}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	reply, err := h.chat.Stream(r.Context(), sreq, emit)
	if err != nil {
		if !started {
			status, detail := chatErrorStatus(err)
			if status == http.StatusInternalServerError {
				slog.Error("chat stream failed", "session_id", req.SessionID, "err", err)
			}
			writeError(w, status, detail)
			return
		}
		// Deltas are already on the wire. Terminate the stream without a
		// message id; the exchange was not persisted.
		slog.Error("chat stream aborted", "session_id", req.SessionID, "err", err)
		_ = writeEvent(w, streamEvent{SessionID: sreq.SessionID, IsEnd: true})
		flusher.Flush()
		return
	}

	if !started {
		startEventStream(w)
	}
	_ = writeEvent(w, streamEvent{
		SessionID:  reply.SessionID,
		IsEnd:      true,
		MessageID:  reply.MessageID,
		IsCritical: reply.IsCritical,
	})
	flusher.Flush()
}

// chatServiceRequest translates a wire request into the service's form,
// applying the configured defaults for language and role.
func (h *Handler) chatServiceRequest(req chatRequest) chat.Request {
	return chat.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		InputText: req.InputText,
		Language:  h.language(req.Language),
		Role:      h.role(req.Role),
	}
}

// chatErrorStatus maps a chat service error onto a status code and the
// client-facing detail text.
func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrMissingSession),
		errors.Is(err, chat.ErrMissingUser),
		errors.Is(err, chat.ErrEmptyInput):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "failed to generate reply"
	}
}

func startEventStream(w http.ResponseWriter) {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w io.Writer, ev streamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
