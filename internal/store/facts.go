package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const factColumns = "id, user_id, fact_type, fact_value, confidence, source_text, conversation_id, extracted_at"

const maxSourceText = 200

func scanFact(row rowScanner) (*Fact, error) {
	var f Fact
	if err := row.Scan(&f.ID, &f.UserID, &f.Type, &f.Value, &f.Confidence, &f.SourceText, &f.ConversationID, &f.ExtractedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// upsertFact records an observation. Facts are never updated in place: a
// stronger observation is inserted as a new row and wins at read time. When
// the same type and value is already stored at equal or higher confidence
// the stored row is returned and nothing is written, so repeated sightings
// reinforce as max(old, new).
func upsertFact(ctx context.Context, q queryer, userID, conversationID string, in FactInput, now time.Time) (*Fact, bool, error) {
	if !in.Type.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidFactType, in.Type)
	}
	value := strings.TrimSpace(in.Value)
	if value == "" {
		return nil, false, fmt.Errorf("empty value for fact %s", in.Type)
	}
	confidence := clampConfidence(in.Confidence)

	existing, err := scanFact(q.QueryRowContext(ctx,
		"SELECT "+factColumns+` FROM facts
         WHERE user_id = ? AND fact_type = ? AND LOWER(fact_value) = LOWER(?)
         ORDER BY confidence DESC, extracted_at DESC, seq DESC LIMIT 1`,
		userID, in.Type, value))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to query fact: %w", err)
	}
	if existing != nil && existing.Confidence >= confidence {
		return existing, false, nil
	}

	fact := &Fact{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           in.Type,
		Value:          value,
		Confidence:     confidence,
		SourceText:     truncateRunes(in.SourceText, maxSourceText),
		ConversationID: conversationID,
		ExtractedAt:    now,
	}
	_, err = q.ExecContext(ctx,
		"INSERT INTO facts ("+factColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		fact.ID, fact.UserID, fact.Type, fact.Value, fact.Confidence, fact.SourceText, fact.ConversationID, dbTime(now))
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert fact: %w", err)
	}
	return fact, true, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// UpsertFact records a fact observation for the user, creating the user if
// needed.
func (s *SQLiteStore) UpsertFact(ctx context.Context, userID string, in FactInput) (*Fact, error) {
	var fact *Fact
	err := s.withTx(ctx, "upsert_fact", func(tx *sql.Tx) error {
		now := s.now()
		canonical, err := resolveUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if _, err := ensureUser(ctx, tx, canonical, now); err != nil {
			return err
		}
		fact, _, err = upsertFact(ctx, tx, canonical, "", in, now)
		return err
	})
	return fact, err
}

func factsForUser(ctx context.Context, q queryer, userID string) ([]Fact, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+factColumns+" FROM facts WHERE user_id = ? ORDER BY seq ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact row: %w", err)
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

// ReduceFacts collapses historical rows to one current fact per type: the
// highest confidence wins, then the most recent, then the larger id. The
// result is ordered by FactTypes.
func ReduceFacts(facts []Fact) []Fact {
	best := make(map[FactType]Fact, len(FactTypes))
	for _, f := range facts {
		cur, ok := best[f.Type]
		if !ok || factBeats(f, cur) {
			best[f.Type] = f
		}
	}
	out := make([]Fact, 0, len(best))
	for _, f := range best {
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Type.rank() < out[j].Type.rank()
	})
	return out
}

func factBeats(a, b Fact) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.ExtractedAt.Equal(b.ExtractedAt) {
		return a.ExtractedAt.After(b.ExtractedAt)
	}
	return a.ID > b.ID
}

// SearchByFact finds active users holding a fact of factType whose value
// contains valueSubstring, strongest first.
func (s *SQLiteStore) SearchByFact(ctx context.Context, factType FactType, valueSubstring string) ([]FactMatch, error) {
	if !factType.Valid() {
		return nil, ErrInvalidFactType
	}
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
        SELECT u.id, u.name, u.email, f.fact_value, MAX(f.confidence) AS confidence
        FROM facts f JOIN users u ON u.id = f.user_id
        WHERE u.active = 1 AND f.fact_type = ? AND LOWER(f.fact_value) LIKE ? ESCAPE '\'
        GROUP BY u.id, LOWER(f.fact_value)
        ORDER BY confidence DESC, u.last_seen DESC
        LIMIT 100`,
		factType, likePattern(valueSubstring))
	if err != nil {
		s.observe("search_by_fact", start, err)
		return nil, fmt.Errorf("failed to search facts: %w", err)
	}
	defer rows.Close()

	var matches []FactMatch
	for rows.Next() {
		m := FactMatch{Type: factType}
		if err := rows.Scan(&m.UserID, &m.Name, &m.Email, &m.Value, &m.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan fact match: %w", err)
		}
		matches = append(matches, m)
	}
	s.observe("search_by_fact", start, rows.Err())
	return matches, rows.Err()
}
