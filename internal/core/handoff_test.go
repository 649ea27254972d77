package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"blacksky.com/maurice/internal/scoring"
	"blacksky.com/maurice/internal/store"
)

func TestHandoff(t *testing.T) {
	h := newHarness(t, fixedSummarizer{summary: "CTO scoping a platform rebuild."})
	ctx := context.Background()

	res := h.turn(t, TurnRequest{UserID: "visitor-20", Message: "I'm the CTO and our budget is $100k - $200k, what's your pricing?"})
	if _, err := h.o.EndConversation(ctx, res.ConversationID); err != nil {
		t.Fatal(err)
	}

	got, err := h.o.Handoff(ctx, "visitor-20")
	if err != nil {
		t.Fatalf("Handoff: %v", err)
	}
	if got.User == nil || got.User.ID != "visitor-20" {
		t.Fatalf("user = %+v", got.User)
	}
	if got.Facts[store.FactBudget] != "$100k - $200k" || got.Facts[store.FactRole] == "" {
		t.Errorf("facts = %v", got.Facts)
	}
	if got.Label != scoring.LabelHot || got.LeadScore < 4 {
		t.Errorf("lead = %d (%s)", got.LeadScore, got.Label)
	}
	if strings.Join(got.IntentSignals, ",") != "pricing,budget" {
		t.Errorf("intent signals = %v", got.IntentSignals)
	}
	if got.ConversationSummary != "CTO scoping a platform rebuild." || got.Conversations != 1 {
		t.Errorf("summary = %q, conversations = %d", got.ConversationSummary, got.Conversations)
	}
	// no timeline yet, so the next step is a call rather than a proposal
	if !strings.HasPrefix(got.SuggestedApproach, "Book a call") {
		t.Errorf("approach = %q", got.SuggestedApproach)
	}

	if _, err := h.o.Handoff(ctx, "nobody"); !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestSuggestApproach(t *testing.T) {
	cases := []struct {
		h    Handoff
		want string
	}{
		{Handoff{Label: scoring.LabelHot, Facts: map[store.FactType]string{
			store.FactBudget: "$50k", store.FactTimeline: "Q3", store.FactProjectType: "a data platform"}},
			"Send a proposal for a data platform scoped to the stated budget and timeline."},
		{Handoff{Label: scoring.LabelWarm, Facts: map[store.FactType]string{store.FactIndustry: "healthcare"}},
			"Share healthcare case studies and offer a discovery call."},
		{Handoff{Label: scoring.LabelCool, Facts: map[store.FactType]string{}},
			"Keep in the newsletter; no direct outreach yet."},
	}
	for _, tc := range cases {
		if got := suggestApproach(&tc.h); got != tc.want {
			t.Errorf("suggestApproach(%s) = %q, want %q", tc.h.Label, got, tc.want)
		}
	}
}
