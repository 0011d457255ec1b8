package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chillpanda/bamboo/pkg/store"
)

// EnsureConversation implements [store.ConversationStore].
func (s *Store) EnsureConversation(ctx context.Context, sessionID, userID string) error {
	const q = `
		INSERT INTO conversations (session_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, sessionID, userID); err != nil {
		return fmt.Errorf("conversation store: ensure conversation: %w", err)
	}
	return nil
}

// AppendMessage implements [store.ConversationStore]. The conversation's
// updated_at is bumped in the same statement so listings stay ordered by
// recency without a second round trip.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (string, error) {
	const q = `
		WITH bumped AS (
		    UPDATE conversations SET updated_at = now() WHERE session_id = $1
		)
		INSERT INTO messages (id, session_id, role, content)
		VALUES ($2, $1, $3, $4)
		RETURNING id`

	var id string
	err := s.pool.QueryRow(ctx, q, sessionID, uuid.NewString(), role, content).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("conversation store: append message: %w", err)
	}
	return id, nil
}

// History implements [store.ConversationStore]. With a positive limit the
// newest messages win, but the returned slice is always oldest first so it
// can be fed straight into an LLM prompt.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]store.ChatMessage, error) {
	const qAll = `
		SELECT id, session_id, role, content, created_at
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY seq`

	const qLast = `
		SELECT id, session_id, role, content, created_at
		FROM (
		    SELECT id, session_id, role, content, created_at, seq
		    FROM   messages
		    WHERE  session_id = $1
		    ORDER  BY seq DESC
		    LIMIT  $2
		) latest
		ORDER BY seq`

	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx, qLast, sessionID, limit)
	} else {
		rows, err = s.pool.Query(ctx, qAll, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation store: history: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChatMessage, error) {
		var m store.ChatMessage
		err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: history: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}
	return msgs, nil
}

// Conversations implements [store.ConversationStore].
func (s *Store) Conversations(ctx context.Context, userID string, limit int) ([]store.ConversationInfo, error) {
	const q = `
		SELECT c.session_id, c.user_id, c.created_at, c.updated_at,
		       (SELECT count(*) FROM messages m WHERE m.session_id = c.session_id)
		FROM   conversations c
		WHERE  c.user_id = $1
		ORDER  BY c.updated_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("conversation store: conversations: %w", err)
	}
	infos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ConversationInfo, error) {
		var ci store.ConversationInfo
		err := row.Scan(&ci.SessionID, &ci.UserID, &ci.CreatedAt, &ci.UpdatedAt, &ci.MessageCount)
		return ci, err
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: conversations: scan rows: %w", err)
	}
	if infos == nil {
		infos = []store.ConversationInfo{}
	}
	return infos, nil
}

// DeleteConversation implements [store.ConversationStore]. Messages go with
// the conversation via ON DELETE CASCADE.
func (s *Store) DeleteConversation(ctx context.Context, sessionID string) error {
	const q = `DELETE FROM conversations WHERE session_id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID)
	if err != nil {
		return fmt.Errorf("conversation store: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
