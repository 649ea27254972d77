package store

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type JourneyEventType string

const (
	EventMilestone    JourneyEventType = "milestone"
	EventConversation JourneyEventType = "conversation"
	EventBrowse       JourneyEventType = "browse"
	EventIntent       JourneyEventType = "intent"
)

// JourneyEvent is one entry of a user's timeline.
type JourneyEvent struct {
	Type           JourneyEventType `json:"type"`
	Timestamp      time.Time        `json:"timestamp"`
	Title          string           `json:"title"`
	Detail         string           `json:"detail,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
}

// DefaultJourneyLimit caps GetUserJourney when the caller passes no limit.
const DefaultJourneyLimit = 50

// GetUserJourney returns the newest limit events of a user's timeline:
// first visit, conversations started and ended, page views and facts as
// they were learned. Records merged into the user are included. It returns
// nil, nil for an unknown user.
func (s *SQLiteStore) GetUserJourney(ctx context.Context, userID string, limit int) ([]JourneyEvent, error) {
	if limit <= 0 {
		limit = DefaultJourneyLimit
	}
	start := time.Now()
	events, err := s.userJourney(ctx, userID, limit)
	s.observe("get_user_journey", start, err)
	return events, err
}

func (s *SQLiteStore) userJourney(ctx context.Context, userID string, limit int) ([]JourneyEvent, error) {
	canonical, err := resolveUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	user, err := getUser(ctx, s.db, canonical)
	if err != nil || user == nil {
		return nil, err
	}

	events := []JourneyEvent{{Type: EventMilestone, Timestamp: user.CreatedAt, Title: "First visit"}}

	convs, err := recentConversations(ctx, s.db, canonical, limit)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		events = append(events, JourneyEvent{
			Type:           EventConversation,
			Timestamp:      c.StartedAt,
			Title:          "Started a conversation",
			ConversationID: c.ID,
		})
		if c.EndedAt != nil {
			events = append(events, JourneyEvent{
				Type:           EventConversation,
				Timestamp:      *c.EndedAt,
				Title:          fmt.Sprintf("Conversation ended, lead score %d", c.LeadScore),
				Detail:         c.Summary,
				ConversationID: c.ID,
			})
		}
	}

	views, err := pageViewsForUser(ctx, s.db, canonical, limit)
	if err != nil {
		return nil, err
	}
	for _, pv := range views {
		title := pv.Title
		if title == "" {
			title = pv.Path
		}
		events = append(events, JourneyEvent{Type: EventBrowse, Timestamp: pv.ViewedAt, Title: "Viewed " + title, Detail: pv.Path})
	}

	facts, err := factsForUser(ctx, s.db, canonical)
	if err != nil {
		return nil, err
	}
	for _, f := range facts {
		events = append(events, JourneyEvent{
			Type:           EventIntent,
			Timestamp:      f.ExtractedAt,
			Title:          fmt.Sprintf("%s: %s", f.Type.Label(), f.Value),
			Detail:         f.SourceText,
			ConversationID: f.ConversationID,
		})
	}

	// Stable, so events sharing a timestamp keep the order they were added in.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func pageViewsForUser(ctx context.Context, q queryer, userID string, limit int) ([]PageView, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, user_id, path, title, viewed_at FROM page_views WHERE user_id = ? ORDER BY viewed_at DESC LIMIT ?",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query page views: %w", err)
	}
	defer rows.Close()

	var views []PageView
	for rows.Next() {
		var pv PageView
		if err := rows.Scan(&pv.ID, &pv.UserID, &pv.Path, &pv.Title, &pv.ViewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan page view: %w", err)
		}
		views = append(views, pv)
	}
	return views, rows.Err()
}
