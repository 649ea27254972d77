package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = "id, user_id, summary, interests, lead_score, started_at, last_activity, ended_at"

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var interestsJSON string
	var endedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.UserID, &c.Summary, &interestsJSON, &c.LeadScore, &c.StartedAt, &c.LastActivity, &endedAt); err != nil {
		return nil, err
	}
	c.Interests = decodeInterests(interestsJSON)
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	return &c, nil
}

func decodeInterests(raw string) []string {
	interests := []string{}
	if raw == "" {
		return interests
	}
	if err := json.Unmarshal([]byte(raw), &interests); err != nil {
		return []string{}
	}
	return interests
}

func encodeInterests(interests []string) string {
	if interests == nil {
		interests = []string{}
	}
	b, _ := json.Marshal(interests)
	return string(b)
}

// MergeInterests unions b into a, keeping first-seen order.
func MergeInterests(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, i := range list {
			if i == "" || seen[i] {
				continue
			}
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}

func getConversation(ctx context.Context, q queryer, id string) (*Conversation, error) {
	conv, err := scanConversation(q.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ensureConversation returns the conversation with id, creating it for
// userID if it does not exist. An empty id always creates.
func ensureConversation(ctx context.Context, q queryer, id, userID string, now time.Time) (*Conversation, error) {
	if id != "" {
		conv, err := getConversation(ctx, q, id)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			if conv.UserID != userID {
				return nil, fmt.Errorf("conversation %s belongs to another user", id)
			}
			return conv, nil
		}
	} else {
		id = NewConversationID()
	}

	_, err := q.ExecContext(ctx,
		"INSERT INTO conversations (id, user_id, started_at, last_activity) VALUES (?, ?, ?, ?)",
		id, userID, dbTime(now), dbTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return getConversation(ctx, q, id)
}

func appendMessage(ctx context.Context, q queryer, conv *Conversation, role Role, content string, failed bool, now time.Time) (*Message, error) {
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           role,
		Content:        content,
		Failed:         failed,
		Timestamp:      now,
	}
	_, err := q.ExecContext(ctx,
		"INSERT INTO messages (id, conversation_id, role, content, failed, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Failed, dbTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to execute message insert: %w", err)
	}
	_, err = q.ExecContext(ctx,
		"UPDATE conversations SET last_activity = MAX(last_activity, ?) WHERE id = ?", dbTime(now), conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation activity: %w", err)
	}
	if err := touchUser(ctx, q, conv.UserID, now); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetConversation returns nil, nil when the conversation does not exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, s.db, id)
}

// AppendMessage adds a message to the conversation and advances the owning
// user's last_seen.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, role Role, content string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	var msg *Message
	err := s.withTx(ctx, "append_message", func(tx *sql.Tx) error {
		conv, err := getConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if conv == nil {
			return ErrConversationNotFound
		}
		msg, err = appendMessage(ctx, tx, conv, role, content, false, s.now())
		return err
	})
	return msg, err
}

// CloseConversation stores the summary and interests and marks the
// conversation ended. Closing twice keeps the first end time.
func (s *SQLiteStore) CloseConversation(ctx context.Context, conversationID, summary string, interests []string) error {
	return s.withTx(ctx, "close_conversation", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE conversations SET summary = ?, interests = ?, ended_at = COALESCE(ended_at, ?) WHERE id = ?",
			summary, encodeInterests(interests), dbTime(s.now()), conversationID)
		if err != nil {
			return fmt.Errorf("failed to close conversation: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrConversationNotFound
		}
		return nil
	})
}

// ListIdleConversations returns open conversations with no activity since before.
func (s *SQLiteStore) ListIdleConversations(ctx context.Context, before time.Time) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE ended_at IS NULL AND last_activity < ? ORDER BY last_activity ASC",
		dbTime(before))
	if err != nil {
		return nil, fmt.Errorf("failed to query idle conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

func collectConversations(rows *sql.Rows) ([]Conversation, error) {
	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

func recentConversations(ctx context.Context, q queryer, userID string, limit int) ([]Conversation, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE user_id = ? ORDER BY started_at DESC, id DESC LIMIT ?",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

// GetMessages returns the last limit messages of a conversation in order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, conversation_id, role, content, failed, timestamp FROM (
            SELECT seq, id, conversation_id, role, content, failed, timestamp
            FROM messages
            WHERE conversation_id = ?
            ORDER BY seq DESC
            LIMIT ?
        ) ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var ts string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Failed, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		// through the subquery the column may lose its declared type
		if msg.Timestamp, err = parseDBTime(ts); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetConversationHistory returns the user's conversations, most recent
// first, each with up to 100 messages.
func (s *SQLiteStore) GetConversationHistory(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	canonical, err := s.ResolveUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	convs, err := recentConversations(ctx, s.db, canonical, limit)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		msgs, err := s.GetMessages(ctx, convs[i].ID, 100)
		if err != nil {
			return nil, err
		}
		convs[i].Messages = msgs
	}
	return convs, nil
}
