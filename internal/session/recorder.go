package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/chillpanda/bamboo/internal/dispatch"
	"github.com/chillpanda/bamboo/pkg/store"
	"github.com/chillpanda/bamboo/pkg/types"
)

// recorder is the durability tail of a session: it mirrors finished
// exchanges into the conversation store as they happen, so a crash loses
// at most the turn in flight. User text lands on every final transcript,
// the companion's side on every cleanly finished turn. Interrupted and
// failed turns are not persisted; the stored conversation holds only what
// both sides actually completed.
//
// Store failures are logged and swallowed. Durability degrades, the
// session does not.
type recorder struct {
	sessionID string
	userID    string
	convs     store.ConversationStore

	finals *dispatch.Subscription
	turns  *dispatch.Subscription
}

// newRecorder subscribes to transcripts and turn ends so nothing said
// during startup is missed. Run must be called to drain the
// subscriptions.
func newRecorder(sessionID, userID string, convs store.ConversationStore, bus *dispatch.Dispatcher) *recorder {
	return &recorder{
		sessionID: sessionID,
		userID:    userID,
		convs:     convs,
		finals:    bus.Subscribe(sessionID, dispatch.FinalTranscript),
		turns:     bus.Subscribe(sessionID, dispatch.TurnEnded),
	}
}

// Run persists messages until ctx is cancelled or the dispatcher closes.
func (r *recorder) Run(ctx context.Context) error {
	defer r.finals.Release()
	defer r.turns.Release()

	// The conversation row usually exists from history seeding; this is
	// the second chance when that write failed.
	if err := r.convs.EnsureConversation(ctx, r.sessionID, r.userID); err != nil {
		slog.Warn("recorder: ensure conversation failed",
			"session_id", r.sessionID, "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-r.finals.Events():
			if !ok {
				return nil
			}
			tr, ok := ev.Data.(dispatch.TranscriptText)
			if !ok || strings.TrimSpace(tr.Text) == "" {
				continue
			}
			r.append(ctx, types.RoleUser, tr.Text)

		case ev, ok := <-r.turns.Events():
			if !ok {
				return nil
			}
			te, ok := ev.Data.(dispatch.TurnEnd)
			if !ok || te.Err != "" || strings.TrimSpace(te.FullText) == "" {
				continue
			}
			r.append(ctx, types.RoleAssistant, te.FullText)
		}
	}
}

func (r *recorder) append(ctx context.Context, role, content string) {
	if _, err := r.convs.AppendMessage(ctx, r.sessionID, role, content); err != nil {
		slog.Warn("recorder: append failed",
			"session_id", r.sessionID, "role", role, "err", err)
	}
}
