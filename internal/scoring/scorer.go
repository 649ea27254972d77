package scoring

import (
	"regexp"
	"strings"

	"blacksky.com/maurice/internal/store"
)

const (
	MinScore = 1
	MaxScore = 5
)

type Label string

const (
	LabelCool Label = "cool"
	LabelWarm Label = "warm"
	LabelHot  Label = "hot"
)

// LabelFor maps a score to its band.
func LabelFor(score int) Label {
	switch {
	case score >= 4:
		return LabelHot
	case score >= 2:
		return LabelWarm
	}
	return LabelCool
}

var (
	hotTerms = []string{
		"pricing", "price", "cost", "quote", "hire", "contract", "proposal", "budget", "rates",
		"how much", "schedule a call", "set up a meeting", "book a call", "availability",
		"timeline", "asap", "urgent", "sign",
	}
	warmTerms = []string{
		"project", "help", "need", "looking for", "interested", "considering", "services",
		"capabilities", "experience", "portfolio", "can you", "do you do", "evaluating", "exploring",
	}
)

type tier struct {
	names []string
	terms []*regexp.Regexp
}

func newTier(terms []string) tier {
	var t tier
	for _, term := range terms {
		t.names = append(t.names, term)
		t.terms = append(t.terms, regexp.MustCompile(`(?i)\b`+strings.ReplaceAll(regexp.QuoteMeta(term), " ", `\s+`)+`\b`))
	}
	return t
}

// matches counts distinct terms of the tier found in message.
func (t tier) matches(message string) int {
	n := 0
	for _, re := range t.terms {
		if re.MatchString(message) {
			n++
		}
	}
	return n
}

// Scorer rates how close a message is to a buying decision. Only the highest
// matching tier counts; tiers are never summed.
type Scorer struct {
	hot  tier
	warm tier
}

func NewScorer() *Scorer {
	return &Scorer{hot: newTier(hotTerms), warm: newTier(warmTerms)}
}

// Score returns a value in [1,5] for message given the user's known facts.
// It is pure: the same input always yields the same score.
func (s *Scorer) Score(message string, facts map[store.FactType]store.Fact) int {
	if n := s.hot.matches(message); n > 0 {
		if n >= 2 || strongFact(facts, store.FactBudget) || strongFact(facts, store.FactTimeline) {
			return 5
		}
		return 4
	}
	if n := s.warm.matches(message); n > 0 {
		if n >= 2 || hasFact(facts, store.FactProjectType) || hasFact(facts, store.FactPainPoint) || hasFact(facts, store.FactDecisionStage) {
			return 3
		}
		return 2
	}
	return MinScore
}

// Signals lists the buying terms found in message, in term order.
func (s *Scorer) Signals(message string) []string {
	var found []string
	for i, re := range s.hot.terms {
		if re.MatchString(message) {
			found = append(found, s.hot.names[i])
		}
	}
	return found
}

func hasFact(facts map[store.FactType]store.Fact, t store.FactType) bool {
	_, ok := facts[t]
	return ok
}

func strongFact(facts map[store.FactType]store.Fact, t store.FactType) bool {
	f, ok := facts[t]
	return ok && f.Confidence >= 0.8
}
