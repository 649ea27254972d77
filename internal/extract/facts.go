package extract

import (
	"regexp"
	"strings"

	"blacksky.com/maurice/internal/store"
)

const (
	maxSourceText = 200
	minValueLen   = 2
	maxValueLen   = 100

	// vagueCap is the ceiling applied to a fact whose message also hedges
	// about it ("not sure, maybe $50k").
	vagueCap = 0.4
)

// Rule extracts candidate facts of a single type from one message. Rules are
// independent so a type can be tuned without touching the others.
type Rule interface {
	Type() store.FactType
	Extract(message string) []store.FactInput
}

// FollowUpRule reads a terse answer in light of the question the assistant
// asked just before it ("What's your budget?" / "around 50k").
type FollowUpRule interface {
	Type() store.FactType
	ExtractReply(message, question string) []store.FactInput
}

type pattern struct {
	re         *regexp.Regexp
	confidence float64
	// value builds the fact value from the submatches; nil means group 1.
	value func(m []string) string
}

type patternRule struct {
	factType store.FactType
	patterns []pattern
	// vague phrases always weaken this type ("no rush").
	vague *regexp.Regexp
	// hedgeable types are weakened by a hedge word about their topic.
	hedgeable bool
}

func (r *patternRule) Type() store.FactType { return r.factType }

type match struct {
	fact       store.FactInput
	start, end int // whole match
	vs, ve     int // value group
	confidence float64
}

func (r *patternRule) Extract(message string) []store.FactInput {
	hedged := (r.vague != nil && r.vague.MatchString(message)) ||
		(r.hedgeable && hedgedTopics(message)[r.factType])

	var found []match
	for _, p := range r.patterns {
		for _, idx := range p.re.FindAllStringSubmatchIndex(message, -1) {
			m := submatches(message, idx)
			var value string
			if p.value != nil {
				value = p.value(m)
			} else if len(m) > 1 {
				value = m[1]
			}
			value = cleanValue(value)
			if !validValue(value) {
				continue
			}
			c := match{start: idx[0], end: idx[1], vs: idx[0], ve: idx[1], confidence: p.confidence}
			if len(idx) >= 4 && idx[2] >= 0 {
				c.vs, c.ve = idx[2], idx[3]
			}
			confidence := p.confidence
			if hedged && confidence > vagueCap {
				confidence = vagueCap
			}
			c.fact = store.FactInput{
				Type:       r.factType,
				Value:      value,
				Confidence: confidence,
				SourceText: sourceSpan(message, idx[0], idx[1]),
			}
			found = append(found, c)
		}
	}

	out := make([]store.FactInput, 0, len(found))
	for i, c := range found {
		if !shadowed(c, found, i) {
			out = append(out, c.fact)
		}
	}
	return out
}

// shadowed reports whether the value of found[i] sits inside a stronger
// match, like the "$100k" of "budget is $100k-$200k".
func shadowed(c match, found []match, i int) bool {
	for j, o := range found {
		if j == i || o.start > c.vs || c.ve > o.end {
			continue
		}
		if o.confidence > c.confidence || (o.confidence == c.confidence && o.end-o.start > c.end-c.start) {
			return true
		}
	}
	return false
}

type followUpRule struct {
	factType   store.FactType
	asks       *regexp.Regexp
	answer     pattern
	maxWords   int
	confidence float64
}

func (r *followUpRule) Type() store.FactType { return r.factType }

func (r *followUpRule) ExtractReply(message, question string) []store.FactInput {
	if question == "" || !r.asks.MatchString(question) {
		return nil
	}
	trimmed := strings.TrimSpace(message)
	if r.maxWords > 0 && len(strings.Fields(trimmed)) > r.maxWords {
		return nil
	}
	idx := r.answer.re.FindStringSubmatchIndex(trimmed)
	if idx == nil {
		return nil
	}
	m := submatches(trimmed, idx)
	var value string
	if r.answer.value != nil {
		value = r.answer.value(m)
	} else if len(m) > 1 {
		value = m[1]
	}
	value = cleanValue(value)
	if !validValue(value) {
		return nil
	}
	return []store.FactInput{{
		Type:       r.factType,
		Value:      value,
		Confidence: r.confidence,
		SourceText: truncate(trimmed, maxSourceText),
	}}
}

// Extractor runs every rule over a message. It holds no state and is safe
// for concurrent use.
type Extractor struct {
	rules     []Rule
	followUps []FollowUpRule
}

func NewExtractor() *Extractor {
	return &Extractor{rules: DefaultRules(), followUps: DefaultFollowUpRules()}
}

// NewExtractorWithRules builds an extractor from a custom rule set.
func NewExtractorWithRules(rules []Rule, followUps []FollowUpRule) *Extractor {
	return &Extractor{rules: rules, followUps: followUps}
}

// Extract returns the candidate facts found in message. priorQuestion is the
// assistant's previous message, or empty. Distinct values of the same type
// are all returned; the same value found twice keeps its best confidence.
func (e *Extractor) Extract(message, priorQuestion string) []store.FactInput {
	if strings.TrimSpace(message) == "" {
		return nil
	}
	var found []store.FactInput
	for _, r := range e.rules {
		found = append(found, r.Extract(message)...)
	}
	for _, r := range e.followUps {
		found = append(found, r.ExtractReply(message, priorQuestion)...)
	}
	return dedupe(found)
}

func dedupe(in []store.FactInput) []store.FactInput {
	type key struct {
		t store.FactType
		v string
	}
	index := make(map[key]int, len(in))
	out := make([]store.FactInput, 0, len(in))
	for _, f := range in {
		k := key{f.Type, strings.ToLower(f.Value)}
		if i, ok := index[k]; ok {
			if f.Confidence > out[i].Confidence {
				out[i] = f
			}
			continue
		}
		index[k] = len(out)
		out = append(out, f)
	}
	return out
}

func submatches(s string, idx []int) []string {
	m := make([]string, len(idx)/2)
	for i := range m {
		if idx[2*i] >= 0 {
			m[i] = s[idx[2*i]:idx[2*i+1]]
		}
	}
	return m
}

func cleanValue(v string) string {
	v = strings.Join(strings.Fields(v), " ")
	return strings.Trim(v, ".,;:!? ")
}

func validValue(v string) bool {
	n := len([]rune(v))
	return n >= minValueLen && n <= maxValueLen
}

// sourceSpan returns the sentence around [start, end), capped at 200 runes.
func sourceSpan(message string, start, end int) string {
	from := strings.LastIndexAny(message[:start], ".!?\n") + 1
	to := len(message)
	if i := strings.IndexAny(message[end:], ".!?\n"); i >= 0 {
		to = end + i + 1
	}
	return truncate(strings.TrimSpace(message[from:to]), maxSourceText)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
