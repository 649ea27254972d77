package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// GetLeads returns active users whose best conversation score is at least
// minScore, optionally filtered by status, ranked by score then recency.
func (s *SQLiteStore) GetLeads(ctx context.Context, minScore int, status LeadStatus) ([]Lead, error) {
	start := time.Now()
	leads, err := s.getLeads(ctx, minScore, status)
	s.observe("get_leads", start, err)
	return leads, err
}

func (s *SQLiteStore) getLeads(ctx context.Context, minScore int, status LeadStatus) ([]Lead, error) {
	query := "SELECT " + prefixedUserColumns("u") + `, MAX(c.lead_score), MAX(c.started_at), COUNT(c.id)
        FROM users u JOIN conversations c ON c.user_id = u.id
        WHERE u.active = 1`
	args := []any{}
	if status != "" {
		query += " AND u.status = ?"
		args = append(args, status)
	}
	query += `
        GROUP BY u.id
        HAVING MAX(c.lead_score) >= ?
        ORDER BY MAX(c.lead_score) DESC, u.last_seen DESC`
	args = append(args, minScore)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		var lead Lead
		var lastStarted string
		u, err := scanUser(rows, &lead.LeadScore, &lastStarted, &lead.Conversations)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		lead.User = *u
		if t, err := parseDBTime(lastStarted); err == nil {
			lead.LastConversation = &t
		}
		leads = append(leads, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range leads {
		convs, err := recentConversations(ctx, s.db, leads[i].User.ID, 20)
		if err != nil {
			return nil, err
		}
		interests := []string{}
		for _, c := range convs {
			if leads[i].LastSummary == "" && c.Summary != "" {
				leads[i].LastSummary = c.Summary
			}
			interests = MergeInterests(interests, c.Interests)
		}
		leads[i].Interests = interests
	}
	return leads, nil
}

// Analytics summarizes the lead pipeline. hotThreshold is the score from
// which a lead counts as hot.
func (s *SQLiteStore) Analytics(ctx context.Context, hotThreshold int) (*Analytics, error) {
	start := time.Now()
	a, err := s.analytics(ctx, hotThreshold)
	s.observe("analytics", start, err)
	return a, err
}

func (s *SQLiteStore) analytics(ctx context.Context, hotThreshold int) (*Analytics, error) {
	weekAgo := dbTime(s.now().Add(-7 * 24 * time.Hour))
	a := &Analytics{ByStatus: map[LeadStatus]int{}, TopInterests: []InterestCount{}}

	rows, err := s.db.QueryContext(ctx, `
        SELECT status, COUNT(*) FROM users
        WHERE active = 1 AND id IN (SELECT user_id FROM conversations)
        GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count leads by status: %w", err)
	}
	for rows.Next() {
		var st LeadStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		a.ByStatus[st] = n
		a.TotalLeads += n
	}
	rows.Close()

	var avg sql.NullFloat64
	var hot sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
        SELECT AVG(best), SUM(CASE WHEN best >= ? THEN 1 ELSE 0 END) FROM (
            SELECT MAX(c.lead_score) AS best
            FROM conversations c JOIN users u ON u.id = c.user_id
            WHERE u.active = 1
            GROUP BY c.user_id
        )`, hotThreshold).Scan(&avg, &hot)
	if err != nil {
		return nil, fmt.Errorf("failed to compute lead scores: %w", err)
	}
	a.AverageLeadScore = avg.Float64
	a.HotLeads = int(hot.Int64)

	counts := []struct {
		dest  *int
		query string
	}{
		{&a.NewLeadsThisWeek, "SELECT COUNT(*) FROM users WHERE active = 1 AND created_at >= ? AND id IN (SELECT user_id FROM conversations)"},
		{&a.ConversationsThisWeek, "SELECT COUNT(*) FROM conversations WHERE started_at >= ?"},
		{&a.PageViewsThisWeek, "SELECT COUNT(*) FROM page_views WHERE viewed_at >= ?"},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, weekAgo).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to compute weekly counts: %w", err)
		}
	}

	interestRows, err := s.db.QueryContext(ctx, "SELECT interests FROM conversations")
	if err != nil {
		return nil, fmt.Errorf("failed to query interests: %w", err)
	}
	defer interestRows.Close()
	tally := map[string]int{}
	for interestRows.Next() {
		var raw string
		if err := interestRows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan interests: %w", err)
		}
		for _, i := range decodeInterests(raw) {
			tally[i]++
		}
	}
	for interest, n := range tally {
		a.TopInterests = append(a.TopInterests, InterestCount{Interest: interest, Count: n})
	}
	sort.Slice(a.TopInterests, func(i, j int) bool {
		if a.TopInterests[i].Count != a.TopInterests[j].Count {
			return a.TopInterests[i].Count > a.TopInterests[j].Count
		}
		return a.TopInterests[i].Interest < a.TopInterests[j].Interest
	})
	if len(a.TopInterests) > 5 {
		a.TopInterests = a.TopInterests[:5]
	}
	return a, interestRows.Err()
}

// RecordPageView stores a page view for the user, creating the user if needed.
func (s *SQLiteStore) RecordPageView(ctx context.Context, userID, path, title string) (*PageView, error) {
	var pv *PageView
	err := s.withTx(ctx, "record_page_view", func(tx *sql.Tx) error {
		now := s.now()
		canonical, err := resolveUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if _, err := ensureUser(ctx, tx, canonical, now); err != nil {
			return err
		}
		pv = &PageView{ID: uuid.NewString(), UserID: canonical, Path: path, Title: title, ViewedAt: now}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO page_views (id, user_id, path, title, viewed_at) VALUES (?, ?, ?, ?, ?)",
			pv.ID, pv.UserID, pv.Path, pv.Title, dbTime(now)); err != nil {
			return fmt.Errorf("failed to insert page view: %w", err)
		}
		return touchUser(ctx, tx, canonical, now)
	})
	return pv, err
}

// RecentPageTitles returns up to n distinct page titles, most recent first.
func (s *SQLiteStore) RecentPageTitles(ctx context.Context, userID string, n int) ([]string, error) {
	canonical, err := s.ResolveUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT title FROM page_views
        WHERE user_id = ? AND title != ''
        GROUP BY title
        ORDER BY MAX(viewed_at) DESC
        LIMIT ?`, canonical, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query page views: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan page title: %w", err)
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}
