package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultRecentConversations is how many conversations GetUserContext returns.
const DefaultRecentConversations = 3

// GetUserContext returns the aggregate used to build prompts: the user, one
// fact per type, the most recent conversations first and the total count.
// It returns nil, nil for an unknown user.
func (s *SQLiteStore) GetUserContext(ctx context.Context, userID string, recent int) (*UserContext, error) {
	if recent <= 0 {
		recent = DefaultRecentConversations
	}
	start := time.Now()
	uc, err := s.userContext(ctx, userID, recent)
	s.observe("get_user_context", start, err)
	return uc, err
}

func (s *SQLiteStore) userContext(ctx context.Context, userID string, recent int) (*UserContext, error) {
	canonical, err := resolveUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	user, err := getUser(ctx, s.db, canonical)
	if err != nil || user == nil {
		return nil, err
	}
	facts, err := factsForUser(ctx, s.db, canonical)
	if err != nil {
		return nil, err
	}
	convs, err := recentConversations(ctx, s.db, canonical, recent)
	if err != nil {
		return nil, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations WHERE user_id = ?", canonical).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count conversations: %w", err)
	}
	if convs == nil {
		convs = []Conversation{}
	}
	return &UserContext{
		User:                user,
		Facts:               ReduceFacts(facts),
		RecentConversations: convs,
		TotalConversations:  total,
	}, nil
}

// ApplyTurn persists everything a chat turn produced in one transaction:
// an optional identity merge, the messages, facts, lead score, interests and
// profile fields. Either all of it is written or none of it.
func (s *SQLiteStore) ApplyTurn(ctx context.Context, w TurnWrite) (*TurnResult, error) {
	res := &TurnResult{}
	err := s.withTx(ctx, "apply_turn", func(tx *sql.Tx) error {
		now := s.now()
		userID, err := resolveUserID(ctx, tx, w.UserID)
		if err != nil {
			return err
		}
		if _, err := ensureUser(ctx, tx, userID, now); err != nil {
			return err
		}
		if w.MergeInto != "" {
			if userID, err = mergeUsers(ctx, tx, userID, w.MergeInto, now); err != nil {
				return err
			}
		}

		conv, err := ensureConversation(ctx, tx, w.ConversationID, userID, now)
		if err != nil {
			return err
		}
		res.UserID = userID
		res.ConversationID = conv.ID
		res.PreviousLeadScore = conv.LeadScore

		if w.UserMessage != "" {
			if _, err := appendMessage(ctx, tx, conv, RoleUser, w.UserMessage, false, now); err != nil {
				return err
			}
		}
		if !w.SkipAssistant && w.AssistantMessage != "" {
			if _, err := appendMessage(ctx, tx, conv, RoleAssistant, w.AssistantMessage, w.AssistantFailed, now); err != nil {
				return err
			}
		}

		for _, f := range w.Facts {
			if _, _, err := upsertFact(ctx, tx, userID, conv.ID, f, now); err != nil {
				return err
			}
		}

		// conversation score is the max observed, never lowered
		if w.LeadScore > 0 {
			if _, err := tx.ExecContext(ctx,
				"UPDATE conversations SET lead_score = MAX(lead_score, ?) WHERE id = ?", w.LeadScore, conv.ID); err != nil {
				return fmt.Errorf("failed to update lead score: %w", err)
			}
		}
		if len(w.Interests) > 0 {
			merged := MergeInterests(conv.Interests, w.Interests)
			if _, err := tx.ExecContext(ctx,
				"UPDATE conversations SET interests = ? WHERE id = ?", encodeInterests(merged), conv.ID); err != nil {
				return fmt.Errorf("failed to update interests: %w", err)
			}
		}

		change, err := applyProfile(ctx, tx, userID, w.Profile)
		if err != nil {
			return err
		}
		res.NewEmail, res.NewPhone = change.newEmail, change.newPhone

		if err := tx.QueryRowContext(ctx,
			"SELECT lead_score FROM conversations WHERE id = ?", conv.ID).Scan(&res.LeadScore); err != nil {
			return fmt.Errorf("failed to read lead score: %w", err)
		}
		var best int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(lead_score), 1) FROM conversations WHERE user_id = ?", userID).Scan(&best); err != nil {
			return fmt.Errorf("failed to read user lead score: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE users SET interest_level = ? WHERE id = ?", InterestLevelFor(best), userID); err != nil {
			return fmt.Errorf("failed to update interest level: %w", err)
		}
		return touchUser(ctx, tx, userID, now)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
