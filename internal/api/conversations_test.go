package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	llmmock "github.com/chillpanda/bamboo/pkg/provider/llm/mock"
	storemock "github.com/chillpanda/bamboo/pkg/store/mock"
	"github.com/chillpanda/bamboo/pkg/types"
)

// seedConversation stores a short exchange under the given session.
func seedConversation(t *testing.T, st *storemock.Store, sessionID, userID string, contents ...string) {
	t.Helper()
	ctx := context.Background()
	if err := st.EnsureConversation(ctx, sessionID, userID); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	for i, content := range contents {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		if _, err := st.AppendMessage(ctx, sessionID, role, content); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
}

func TestConversationEndpointReturnsHistory(t *testing.T) {
	st := storemock.NewStore()
	seedConversation(t, st, apiSession, apiUser, "hello", "Hello friend.", "how are you")
	h := newTestHandler(t, &llmmock.Provider{}, st, nil)

	rec := serve(t, h, "GET", "/api/v1/conversation/"+apiSession, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := decodeBody[conversationBody](t, rec)
	if body.SessionID != apiSession {
		t.Errorf("session_id = %q, want %q", body.SessionID, apiSession)
	}
	if body.TotalMessages != 3 {
		t.Fatalf("total_messages = %d, want 3", body.TotalMessages)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(body.Messages))
	}
	first := body.Messages[0]
	if first.Role != types.RoleUser || first.Content != "hello" {
		t.Errorf("first message = %+v", first)
	}
	if first.Timestamp.IsZero() {
		t.Error("first message timestamp is zero")
	}
	if body.Messages[1].Role != types.RoleAssistant {
		t.Errorf("second message role = %q, want assistant", body.Messages[1].Role)
	}
}

func TestConversationEndpointUnknownSession(t *testing.T) {
	st := storemock.NewStore()
	h := newTestHandler(t, &llmmock.Provider{}, st, nil)

	rec := serve(t, h, "GET", "/api/v1/conversation/"+apiSession, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := decodeBody[conversationBody](t, rec)
	if body.TotalMessages != 0 {
		t.Errorf("total_messages = %d, want 0", body.TotalMessages)
	}
	if len(body.Messages) != 0 {
		t.Errorf("messages = %d, want 0", len(body.Messages))
	}
}

func TestConversationEndpointStoreFailure(t *testing.T) {
	st := storemock.NewStore()
	st.HistoryErr = errors.New("connection lost")
	h := newTestHandler(t, &llmmock.Provider{}, st, nil)

	rec := serve(t, h, "GET", "/api/v1/conversation/"+apiSession, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := decodeBody[errorBody](t, rec)
	if body.Detail != "failed to load conversation" {
		t.Errorf("detail = %q", body.Detail)
	}
}

func TestSessionsEndpointListsUserConversations(t *testing.T) {
	const otherSession = "c3d4e5f6-7a8b-4c9d-0e1f-2a3b4c5d6e7f"

	st := storemock.NewStore()
	seedConversation(t, st, apiSession, apiUser, "hello", "Hello friend.")
	seedConversation(t, st, otherSession, apiUser, "hi")
	seedConversation(t, st, "d4e5f6a7-8b9c-4d0e-1f2a-3b4c5d6e7f8a", "someone-else", "hey")
	h := newTestHandler(t, &llmmock.Provider{}, st, nil)

	rec := serve(t, h, "GET", "/api/v1/sessions/"+apiUser, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := decodeBody[[]sessionBody](t, rec)
	if len(body) != 2 {
		t.Fatalf("sessions = %d, want 2", len(body))
	}
	counts := map[string]int64{}
	for _, s := range body {
		if s.UserID != apiUser {
			t.Errorf("user_id = %q, want %q", s.UserID, apiUser)
		}
		if s.CreatedAt.IsZero() || s.LastActivity.IsZero() {
			t.Errorf("session %s has zero timestamps", s.SessionID)
		}
		counts[s.SessionID] = s.MessageCount
	}
	if counts[apiSession] != 2 {
		t.Errorf("message_count for %s = %d, want 2", apiSession, counts[apiSession])
	}
	if counts[otherSession] != 1 {
		t.Errorf("message_count for %s = %d, want 1", otherSession, counts[otherSession])
	}
}

func TestSessionsEndpointStoreFailure(t *testing.T) {
	st := storemock.NewStore()
	st.ConversationsErr = errors.New("connection lost")
	h := newTestHandler(t, &llmmock.Provider{}, st, nil)

	rec := serve(t, h, "GET", "/api/v1/sessions/"+apiUser, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestDeleteSessionEndpoint(t *testing.T) {
	st := storemock.NewStore()
	seedConversation(t, st, apiSession, apiUser, "hello")
	h := newTestHandler(t, &llmmock.Provider{}, st, nil)

	rec := serve(t, h, "DELETE", "/api/v1/session/"+apiSession, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody[deleteBody](t, rec)
	if body.Message != "Session deleted successfully" {
		t.Errorf("message = %q", body.Message)
	}

	rec = serve(t, h, "DELETE", "/api/v1/session/"+apiSession, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	errBody := decodeBody[errorBody](t, rec)
	if errBody.Detail != "session not found" {
		t.Errorf("detail = %q", errBody.Detail)
	}
}

func TestDeleteSessionEndpointStoreFailure(t *testing.T) {
	st := storemock.NewStore()
	st.DeleteConversationErr = errors.New("connection lost")
	h := newTestHandler(t, &llmmock.Provider{}, st, nil)

	rec := serve(t, h, "DELETE", "/api/v1/session/"+apiSession, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := decodeBody[errorBody](t, rec)
	if body.Detail != "failed to delete session" {
		t.Errorf("detail = %q", body.Detail)
	}
}
