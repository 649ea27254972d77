package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"blacksky.com/maurice/internal/extract"
	"blacksky.com/maurice/internal/store"
)

type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingConfirmation State = "awaiting_confirmation"
)

// Action is what the resolver decided on this turn.
type Action string

const (
	ActionNone          Action = "none"
	ActionNameRecorded  Action = "name_recorded"
	ActionMatchProposed Action = "match_proposed"
	ActionMerged        Action = "merged"
	ActionAbandoned     Action = "abandoned"
)

const defaultMaxCandidates = 3

// Directory finds existing users by name.
type Directory interface {
	LookupByName(ctx context.Context, name, excludeID string) ([]store.UserMatch, error)
}

// Turn is the identity-relevant part of an inbound message.
type Turn struct {
	SessionID string
	UserID    string
	KnownName string // name already on the current user, if any
	Message   string
}

type Outcome struct {
	State  State
	Action Action
	// Name is the name to record on the current user, if any.
	Name string
	// Pending is set while awaiting confirmation.
	Pending *PendingMatch
	// MergeTarget is the user the current session merges into.
	MergeTarget string
	// Abandoned is true when a previous proposal was discarded this turn.
	Abandoned bool
}

type Resolver struct {
	dir           Directory
	sessions      SessionStore
	log           zerolog.Logger
	maxCandidates int
	now           func() time.Time
}

func NewResolver(dir Directory, sessions SessionStore, log zerolog.Logger) *Resolver {
	return &Resolver{
		dir:           dir,
		sessions:      sessions,
		log:           log,
		maxCandidates: defaultMaxCandidates,
		now:           time.Now,
	}
}

// State reports where the session currently is.
func (r *Resolver) State(ctx context.Context, sessionID string) (State, error) {
	p, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if p != nil {
		return StateAwaitingConfirmation, nil
	}
	return StateIdle, nil
}

// Resolve advances the session's identity state machine by one user turn. A
// pending match is always settled by the turn that follows it: an affirmation
// merges into the top candidate, anything else discards it. The resolver only
// decides; applying a merge is left to the caller's turn write.
func (r *Resolver) Resolve(ctx context.Context, t Turn) (Outcome, error) {
	pending, err := r.sessions.Get(ctx, t.SessionID)
	if err != nil {
		return Outcome{}, err
	}

	if pending != nil {
		if err := r.sessions.Delete(ctx, t.SessionID); err != nil {
			return Outcome{}, err
		}
		if IsAffirmation(t.Message) && len(pending.Candidates) > 0 {
			target := pending.Top()
			r.log.Info().Str("session_id", t.SessionID).Str("merge_target", target.UserID).Msg("identity confirmed")
			return Outcome{State: StateIdle, Action: ActionMerged, MergeTarget: target.UserID}, nil
		}
		r.log.Debug().Str("session_id", t.SessionID).Str("name", pending.Name).Msg("identity match abandoned")

		// "no, I'm Jane" can start a fresh proposal on the same turn
		out, err := r.detect(ctx, t)
		if err != nil {
			return Outcome{}, err
		}
		out.Abandoned = true
		if out.Action == ActionNone {
			out.Action = ActionAbandoned
			out.Name = pending.Name
		}
		return out, nil
	}

	return r.detect(ctx, t)
}

func (r *Resolver) detect(ctx context.Context, t Turn) (Outcome, error) {
	name := extract.ExtractName(t.Message)
	if name == "" {
		return Outcome{State: StateIdle, Action: ActionNone}, nil
	}
	if t.KnownName != "" && strings.EqualFold(t.KnownName, name) {
		return Outcome{State: StateIdle, Action: ActionNone}, nil
	}

	matches, err := r.dir.LookupByName(ctx, name, t.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to look up name: %w", err)
	}
	if len(matches) == 0 {
		return Outcome{State: StateIdle, Action: ActionNameRecorded, Name: name}, nil
	}
	if len(matches) > r.maxCandidates {
		matches = matches[:r.maxCandidates]
	}

	p := &PendingMatch{Name: name, Candidates: matches, CreatedAt: r.now()}
	if err := r.sessions.Put(ctx, t.SessionID, p); err != nil {
		return Outcome{}, err
	}
	r.log.Info().Str("session_id", t.SessionID).Str("name", name).Int("candidates", len(matches)).Msg("identity match proposed")
	return Outcome{State: StateAwaitingConfirmation, Action: ActionMatchProposed, Name: name, Pending: p}, nil
}

var affirmations = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "yup": true, "correct": true, "sure": true,
	"y": true, "ya": true, "yea": true, "absolutely": true, "indeed": true, "right": true,
}

var affirmationPhrases = []string{
	"that's me", "thats me", "that is me", "it's me", "its me", "it is me", "that's right", "that is right",
}

var negations = map[string]bool{
	"no": true, "not": true, "nope": true, "never": true, "isn't": true, "wasn't": true, "don't": true,
	"nah": true, "wrong": true,
}

// maxAffirmationWords bounds a bare "yes"-style reply; longer messages
// that merely open with "sure," or "right," are about something else.
const maxAffirmationWords = 4

// IsAffirmation reports whether message is a plain "yes" to a verification
// question. Any negation anywhere in the message disqualifies it.
func IsAffirmation(message string) bool {
	text := strings.ToLower(strings.TrimSpace(message))
	text = strings.ReplaceAll(text, "’", "'")
	words := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?' || r == ';' || r == '\t' || r == '\n'
	})
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if negations[w] || strings.HasSuffix(w, "n't") {
			return false
		}
	}
	for _, p := range affirmationPhrases {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return affirmations[words[0]] && len(words) <= maxAffirmationWords && !strings.Contains(text, "?")
}
