package scoring

import (
	"testing"

	"blacksky.com/maurice/internal/store"
)

func TestScore_Tiers(t *testing.T) {
	s := NewScorer()
	cases := []struct {
		msg  string
		want int
	}{
		{"Hello, just looking around", 1},
		{"Tell me about your services", 2},
		{"I need help with a project", 3},
		{"What's your pricing for consulting?", 4},
		{"Can I get a quote for this?", 4},
		{"Hi, I'm John from Acme, what's your pricing?", 4},
		{"I need pricing and want to discuss a contract", 5},
		{"We'd love a new design", 1},
	}
	for _, tc := range cases {
		if got := s.Score(tc.msg, nil); got != tc.want {
			t.Errorf("Score(%q) = %d, want %d", tc.msg, got, tc.want)
		}
	}
}

func TestScore_HighestTierWinsNeverSummed(t *testing.T) {
	s := NewScorer()
	// one hot term next to three warm ones
	got := s.Score("I need help with a project, what does it cost?", nil)
	if got != 4 {
		t.Fatalf("score = %d, want 4", got)
	}
}

func TestScore_FactsRaiseWithinTier(t *testing.T) {
	s := NewScorer()
	strongBudget := map[store.FactType]store.Fact{
		store.FactBudget: {Type: store.FactBudget, Value: "$100k - $200k", Confidence: 0.9},
	}
	weakBudget := map[store.FactType]store.Fact{
		store.FactBudget: {Type: store.FactBudget, Value: "$10k", Confidence: 0.4},
	}
	project := map[store.FactType]store.Fact{
		store.FactProjectType: {Type: store.FactProjectType, Value: "mobile app", Confidence: 0.9},
	}

	if got := s.Score("What's your pricing?", strongBudget); got != 5 {
		t.Errorf("hot with strong budget = %d, want 5", got)
	}
	if got := s.Score("What's your pricing?", weakBudget); got != 4 {
		t.Errorf("hot with weak budget = %d, want 4", got)
	}
	if got := s.Score("Tell me about your services", project); got != 3 {
		t.Errorf("warm with project = %d, want 3", got)
	}
	// facts never lift a message with no intent terms
	if got := s.Score("thanks!", strongBudget); got != 1 {
		t.Errorf("cool with facts = %d, want 1", got)
	}
}

func TestScore_IsPure(t *testing.T) {
	s := NewScorer()
	facts := map[store.FactType]store.Fact{
		store.FactTimeline: {Type: store.FactTimeline, Value: "ASAP", Confidence: 0.8},
	}
	msg := "Could you send a proposal?"
	first := s.Score(msg, facts)
	for i := 0; i < 50; i++ {
		if got := s.Score(msg, facts); got != first {
			t.Fatalf("run %d: score = %d, want %d", i, got, first)
		}
	}
	if first != 5 {
		t.Fatalf("score = %d, want 5", first)
	}
}

func TestLabelFor(t *testing.T) {
	want := map[int]Label{1: LabelCool, 2: LabelWarm, 3: LabelWarm, 4: LabelHot, 5: LabelHot}
	for score, label := range want {
		if got := LabelFor(score); got != label {
			t.Errorf("LabelFor(%d) = %s, want %s", score, got, label)
		}
	}
}

func TestSignals(t *testing.T) {
	s := NewScorer()
	got := s.Signals("What's the price, and can we book a call before the deadline?")
	if len(got) != 2 || got[0] != "price" || got[1] != "book a call" {
		t.Fatalf("Signals = %v", got)
	}
	if got := s.Signals("Tell me about your services"); len(got) != 0 {
		t.Fatalf("warm message produced signals %v", got)
	}
}
