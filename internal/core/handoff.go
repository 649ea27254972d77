package core

import (
	"context"
	"fmt"

	"blacksky.com/maurice/internal/scoring"
	"blacksky.com/maurice/internal/store"
)

const (
	handoffConversations = 20
	// signals are read from the user's side of the newest conversations only
	signalConversations = 3
	signalMessages      = 100
)

// Handoff is what sales receives when a lead is passed on.
type Handoff struct {
	User                *store.User               `json:"user"`
	Facts               map[store.FactType]string `json:"facts"`
	Interests           []string                  `json:"interests"`
	IntentSignals       []string                  `json:"intent_signals"`
	LeadScore           int                       `json:"lead_score"`
	Label               scoring.Label             `json:"label"`
	Conversations       int                       `json:"conversations"`
	ConversationSummary string                    `json:"conversation_summary,omitempty"`
	SuggestedApproach   string                    `json:"suggested_approach"`
}

// Handoff assembles the lead package for userID. It returns
// store.ErrUserNotFound for an unknown user.
func (o *Orchestrator) Handoff(ctx context.Context, userID string) (*Handoff, error) {
	uc, err := o.store.GetUserContext(ctx, userID, handoffConversations)
	if err != nil {
		return nil, err
	}
	if uc == nil {
		return nil, store.ErrUserNotFound
	}

	h := &Handoff{
		User:          uc.User,
		Facts:         make(map[store.FactType]string, len(uc.Facts)),
		Interests:     []string{},
		IntentSignals: []string{},
		Conversations: uc.TotalConversations,
	}
	for _, f := range uc.Facts {
		h.Facts[f.Type] = f.Value
	}
	for _, c := range uc.RecentConversations {
		h.LeadScore = max(h.LeadScore, c.LeadScore)
		h.Interests = store.MergeInterests(h.Interests, c.Interests)
		if h.ConversationSummary == "" && c.Summary != "" {
			h.ConversationSummary = c.Summary
		}
	}
	h.Label = scoring.LabelFor(h.LeadScore)

	seen := map[string]bool{}
	for i, c := range uc.RecentConversations {
		if i == signalConversations {
			break
		}
		msgs, err := o.store.GetMessages(ctx, c.ID, signalMessages)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.Role != store.RoleUser {
				continue
			}
			for _, s := range o.scorer.Signals(m.Content) {
				if !seen[s] {
					seen[s] = true
					h.IntentSignals = append(h.IntentSignals, s)
				}
			}
		}
	}

	h.SuggestedApproach = suggestApproach(h)
	return h, nil
}

func suggestApproach(h *Handoff) string {
	project := h.Facts[store.FactProjectType]
	if project == "" {
		project = "their project"
	}
	switch h.Label {
	case scoring.LabelHot:
		if h.Facts[store.FactBudget] != "" && h.Facts[store.FactTimeline] != "" {
			return fmt.Sprintf("Send a proposal for %s scoped to the stated budget and timeline.", project)
		}
		return fmt.Sprintf("Book a call about %s and confirm budget and timeline.", project)
	case scoring.LabelWarm:
		if industry := h.Facts[store.FactIndustry]; industry != "" {
			return fmt.Sprintf("Share %s case studies and offer a discovery call.", industry)
		}
		return "Share relevant case studies and offer a discovery call."
	}
	return "Keep in the newsletter; no direct outreach yet."
}
