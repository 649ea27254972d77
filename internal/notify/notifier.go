package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Reason string

const (
	ReasonHotLead         Reason = "hot_lead"
	ReasonContactCaptured Reason = "contact_captured"
)

// LeadEvent tells the sales team a conversation needs follow-up.
type LeadEvent struct {
	Reason         Reason    `json:"reason"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name,omitempty"`
	Email          string    `json:"email,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Company        string    `json:"company,omitempty"`
	LeadScore      int       `json:"lead_score"`
	Label          string    `json:"label"`
	Interests      []string  `json:"interests,omitempty"`
	Message        string    `json:"message"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type Notifier interface {
	LeadCaptured(ctx context.Context, e LeadEvent) error
}

// LogNotifier writes lead events to the log. It is used when no broker is
// configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) LeadCaptured(_ context.Context, e LeadEvent) error {
	n.log.Info().
		Str("reason", string(e.Reason)).
		Str("user_id", e.UserID).
		Str("conversation_id", e.ConversationID).
		Str("name", e.Name).
		Str("email", e.Email).
		Str("company", e.Company).
		Int("lead_score", e.LeadScore).
		Strs("interests", e.Interests).
		Msg("lead captured")
	return nil
}
