package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrEmailTaken = errors.New("email already registered")

const userColumns = "id, name, email, phone, company, status, notes, auth_method, interest_level, " +
	"external_provider, external_id, external_email, external_name, password_hash, active, merged_into, created_at, last_seen"

// maxMergeHops bounds pointer chasing through merged users.
const maxMergeHops = 8

type rowScanner interface {
	Scan(dest ...any) error
}

func prefixedUserColumns(alias string) string {
	cols := strings.Split(userColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanUser(row rowScanner, extra ...any) (*User, error) {
	var u User
	dest := []any{
		&u.ID, &u.Name, &u.Email, &u.Phone, &u.Company, &u.Status, &u.Notes, &u.AuthMethod, &u.InterestLevel,
		&u.ExternalProvider, &u.ExternalID, &u.ExternalEmail, &u.ExternalName, &u.PasswordHash, &u.Active, &u.MergedInto,
		&u.CreatedAt, &u.LastSeen,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &u, nil
}

func getUser(ctx context.Context, q queryer, id string) (*User, error) {
	user, err := scanUser(q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// ensureUser returns the user, inserting an anonymous row first if needed.
func ensureUser(ctx context.Context, q queryer, id string, now time.Time) (*User, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO users (id, status, auth_method, interest_level, created_at, last_seen)
         VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, StatusNew, AuthAnonymous, InterestLow, dbTime(now), dbTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	user, err := getUser(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// resolveUserID follows merged_into pointers to the surviving user.
func resolveUserID(ctx context.Context, q queryer, id string) (string, error) {
	current := id
	for i := 0; i < maxMergeHops; i++ {
		var next string
		err := q.QueryRowContext(ctx, "SELECT merged_into FROM users WHERE id = ?", current).Scan(&next)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return current, nil
			}
			return "", fmt.Errorf("failed to resolve user %s: %w", id, err)
		}
		if next == "" || next == current {
			return current, nil
		}
		current = next
	}
	return current, nil
}

func touchUser(ctx context.Context, q queryer, id string, now time.Time) error {
	_, err := q.ExecContext(ctx, "UPDATE users SET last_seen = MAX(last_seen, ?) WHERE id = ?", dbTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to update last_seen: %w", err)
	}
	return nil
}

// GetOrCreateUser returns the surviving user for id, creating an anonymous
// user on first contact.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, id string) (*User, error) {
	var user *User
	err := s.withTx(ctx, "get_or_create_user", func(tx *sql.Tx) error {
		canonical, err := resolveUserID(ctx, tx, id)
		if err != nil {
			return err
		}
		user, err = ensureUser(ctx, tx, canonical, s.now())
		return err
	})
	return user, err
}

// GetUser returns nil, nil when the user does not exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return getUser(ctx, s.db, id)
}

// ResolveUserID returns the id that now owns id's data. Unknown ids resolve
// to themselves.
func (s *SQLiteStore) ResolveUserID(ctx context.Context, id string) (string, error) {
	return resolveUserID(ctx, s.db, id)
}

// profileChange reports which contact fields an update newly set.
type profileChange struct {
	newEmail bool
	newPhone bool
}

var authRank = map[AuthMethod]int{AuthAnonymous: 0, AuthSoft: 1, AuthVerified: 2}

func applyProfile(ctx context.Context, q queryer, id string, p ProfileUpdate) (profileChange, error) {
	var change profileChange
	user, err := getUser(ctx, q, id)
	if err != nil {
		return change, err
	}
	if user == nil {
		return change, ErrUserNotFound
	}

	if name := strings.TrimSpace(p.Name); name != "" {
		user.Name = name
	}
	if email := strings.ToLower(strings.TrimSpace(p.Email)); email != "" && email != user.Email {
		user.Email = email
		change.newEmail = true
	}
	if phone := strings.TrimSpace(p.Phone); phone != "" && phone != user.Phone {
		user.Phone = phone
		change.newPhone = true
	}
	if company := strings.TrimSpace(p.Company); company != "" {
		user.Company = company
	}
	// auth method only ever upgrades
	if p.AuthMethod != "" && authRank[p.AuthMethod] > authRank[user.AuthMethod] {
		user.AuthMethod = p.AuthMethod
	}

	_, err = q.ExecContext(ctx,
		"UPDATE users SET name = ?, email = ?, phone = ?, company = ?, auth_method = ? WHERE id = ?",
		user.Name, user.Email, user.Phone, user.Company, user.AuthMethod, id)
	if err != nil {
		return change, fmt.Errorf("failed to update user profile: %w", err)
	}
	return change, nil
}

// UpdateProfile sets the non-empty identity fields of p on the user,
// creating the user if needed.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, id string, p ProfileUpdate) (*User, error) {
	var user *User
	err := s.withTx(ctx, "update_profile", func(tx *sql.Tx) error {
		now := s.now()
		canonical, err := resolveUserID(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := ensureUser(ctx, tx, canonical, now); err != nil {
			return err
		}
		if _, err := applyProfile(ctx, tx, canonical, p); err != nil {
			return err
		}
		if err := touchUser(ctx, tx, canonical, now); err != nil {
			return err
		}
		user, err = getUser(ctx, tx, canonical)
		return err
	})
	return user, err
}

// UpdateLeadStatus sets the pipeline status and, when notes is non-nil, the notes.
func (s *SQLiteStore) UpdateLeadStatus(ctx context.Context, id string, status LeadStatus, notes *string) error {
	if _, err := ParseLeadStatus(string(status)); err != nil {
		return err
	}
	return s.withTx(ctx, "update_lead_status", func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if notes != nil {
			res, err = tx.ExecContext(ctx, "UPDATE users SET status = ?, notes = ? WHERE id = ?", status, *notes, id)
		} else {
			res, err = tx.ExecContext(ctx, "UPDATE users SET status = ? WHERE id = ?", status, id)
		}
		if err != nil {
			return fmt.Errorf("failed to update lead status: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// LookupByName finds active users whose name contains name, case
// insensitively. Exact matches rank first, then prefix matches, then the most
// recently seen. excludeID is left out of the results.
func (s *SQLiteStore) LookupByName(ctx context.Context, name, excludeID string) ([]UserMatch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	start := time.Now()
	matches, err := s.lookupByName(ctx, name, excludeID)
	if err == nil && len(matches) == 0 {
		// "John Smith" should still find "John"
		if first := strings.Fields(name)[0]; first != name {
			matches, err = s.lookupByName(ctx, first, excludeID)
		}
	}
	s.observe("lookup_by_name", start, err)
	return matches, err
}

func (s *SQLiteStore) lookupByName(ctx context.Context, name, excludeID string) ([]UserMatch, error) {
	lower := strings.ToLower(name)
	rows, err := s.db.QueryContext(ctx, `
        SELECT u.id, u.name, u.last_seen,
            COALESCE((SELECT c.summary FROM conversations c
                      WHERE c.user_id = u.id AND c.summary != ''
                      ORDER BY c.started_at DESC, c.id DESC LIMIT 1), ''),
            COALESCE((SELECT m.content FROM messages m JOIN conversations c ON c.id = m.conversation_id
                      WHERE c.user_id = u.id AND m.role = 'user'
                      ORDER BY m.seq DESC LIMIT 1), '')
        FROM users u
        WHERE u.active = 1 AND u.id != ? AND u.name != '' AND LOWER(u.name) LIKE ? ESCAPE '\'
        ORDER BY
            CASE WHEN LOWER(u.name) = ? THEN 0 WHEN LOWER(u.name) LIKE ? ESCAPE '\' THEN 1 ELSE 2 END,
            u.last_seen DESC
        LIMIT 5`,
		excludeID, likePattern(name), lower, strings.TrimPrefix(likePattern(name), "%"))
	if err != nil {
		return nil, fmt.Errorf("failed to lookup users by name: %w", err)
	}
	defer rows.Close()

	var matches []UserMatch
	for rows.Next() {
		var m UserMatch
		var summary, lastMessage string
		if err := rows.Scan(&m.UserID, &m.Name, &m.LastSeen, &summary, &lastMessage); err != nil {
			return nil, fmt.Errorf("failed to scan user match: %w", err)
		}
		m.LastTopic = summary
		if m.LastTopic == "" {
			m.LastTopic = truncate(lastMessage, 100)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// LookupByEmail returns the active user owning email, or nil.
func (s *SQLiteStore) LookupByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	user, err := scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = ? AND active = 1 ORDER BY auth_method = 'verified' DESC, last_seen DESC LIMIT 1",
		email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lookup user by email: %w", err)
	}
	return user, nil
}

// LookupByCompany returns active users whose company contains company.
func (s *SQLiteStore) LookupByCompany(ctx context.Context, company string) ([]User, error) {
	if strings.TrimSpace(company) == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE active = 1 AND company != '' AND LOWER(company) LIKE ? ESCAPE '\\' ORDER BY last_seen DESC LIMIT 50",
		likePattern(company))
	if err != nil {
		return nil, fmt.Errorf("failed to lookup users by company: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetCredentials turns the user into a verified account.
func (s *SQLiteStore) SetCredentials(ctx context.Context, id, email, name, passwordHash string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var user *User
	err := s.withTx(ctx, "set_credentials", func(tx *sql.Tx) error {
		now := s.now()
		canonical, err := resolveUserID(ctx, tx, id)
		if err != nil {
			return err
		}
		var taken int
		err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM users WHERE email = ? AND auth_method = ? AND id != ?",
			email, AuthVerified, canonical).Scan(&taken)
		if err != nil {
			return fmt.Errorf("failed to check email: %w", err)
		}
		if taken > 0 {
			return ErrEmailTaken
		}
		if _, err := ensureUser(ctx, tx, canonical, now); err != nil {
			return err
		}
		if _, err := applyProfile(ctx, tx, canonical, ProfileUpdate{Name: name, Email: email, AuthMethod: AuthVerified}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE users SET password_hash = ? WHERE id = ?", passwordHash, canonical); err != nil {
			return fmt.Errorf("failed to store credentials: %w", err)
		}
		if err := touchUser(ctx, tx, canonical, now); err != nil {
			return err
		}
		user, err = getUser(ctx, tx, canonical)
		return err
	})
	return user, err
}

// GetVerifiedUserByEmail returns nil, nil when no verified account uses email.
func (s *SQLiteStore) GetVerifiedUserByEmail(ctx context.Context, email string) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = ? AND auth_method = ? AND active = 1 LIMIT 1",
		strings.ToLower(strings.TrimSpace(email)), AuthVerified))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query verified user: %w", err)
	}
	return user, nil
}

// MergeUsers moves everything owned by fromID to targetID. The source row is
// kept, marked inactive and pointed at the target.
func (s *SQLiteStore) MergeUsers(ctx context.Context, fromID, targetID string) error {
	return s.withTx(ctx, "merge_users", func(tx *sql.Tx) error {
		from, err := resolveUserID(ctx, tx, fromID)
		if err != nil {
			return err
		}
		_, err = mergeUsers(ctx, tx, from, targetID, s.now())
		return err
	})
}

// mergeUsers returns the surviving user id.
func mergeUsers(ctx context.Context, q queryer, fromID, targetID string, now time.Time) (string, error) {
	target, err := resolveUserID(ctx, q, targetID)
	if err != nil {
		return "", err
	}
	if target == fromID {
		return target, nil
	}
	targetUser, err := getUser(ctx, q, target)
	if err != nil {
		return "", err
	}
	if targetUser == nil {
		return "", fmt.Errorf("merge target %s: %w", targetID, ErrUserNotFound)
	}
	from, err := ensureUser(ctx, q, fromID, now)
	if err != nil {
		return "", err
	}

	repoint := []string{
		"UPDATE conversations SET user_id = ? WHERE user_id = ?",
		"UPDATE facts SET user_id = ? WHERE user_id = ?",
		"UPDATE page_views SET user_id = ? WHERE user_id = ?",
		"UPDATE users SET merged_into = ? WHERE merged_into = ?",
	}
	for _, stmt := range repoint {
		if _, err := q.ExecContext(ctx, stmt, target, fromID); err != nil {
			return "", fmt.Errorf("failed to repoint merged user data: %w", err)
		}
	}

	// Fill gaps on the target from the session being merged.
	fill := ProfileUpdate{AuthMethod: from.AuthMethod}
	if targetUser.Name == "" {
		fill.Name = from.Name
	}
	if targetUser.Email == "" {
		fill.Email = from.Email
	}
	if targetUser.Phone == "" {
		fill.Phone = from.Phone
	}
	if targetUser.Company == "" {
		fill.Company = from.Company
	}
	if _, err := applyProfile(ctx, q, target, fill); err != nil {
		return "", err
	}

	if _, err := q.ExecContext(ctx,
		"UPDATE users SET active = 0, merged_into = ? WHERE id = ?", target, fromID); err != nil {
		return "", fmt.Errorf("failed to deactivate merged user: %w", err)
	}
	if err := touchUser(ctx, q, target, now); err != nil {
		return "", err
	}
	return target, nil
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
