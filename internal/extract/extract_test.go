package extract

import (
	"reflect"
	"testing"

	"blacksky.com/maurice/internal/store"
)

func factsOf(facts []store.FactInput, t store.FactType) []store.FactInput {
	var out []store.FactInput
	for _, f := range facts {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func TestExtract_StructuredBudgetRangeIsConfident(t *testing.T) {
	e := NewExtractor()
	for _, msg := range []string{
		"Our budget is $100k–$200k for this.",
		"Our budget is $100k-$200k, not sure about the timeline yet",
		"Budget is $100k-$200k. Not sure about the timeline yet",
		"I don't know when we'd start, but the budget is $100k to $200k",
	} {
		facts := factsOf(e.Extract(msg, ""), store.FactBudget)
		if len(facts) != 1 || facts[0].Value != "$100k - $200k" {
			t.Errorf("%q: budget facts = %+v, want only the range", msg, facts)
			continue
		}
		if facts[0].Confidence < 0.8 {
			t.Errorf("%q: range confidence = %v, want >= 0.8", msg, facts[0].Confidence)
		}
	}
}

func TestHedgedTopics(t *testing.T) {
	cases := []struct {
		msg  string
		want []store.FactType
	}{
		{"Our budget is $100k-$200k, not sure about the timeline yet", []store.FactType{store.FactTimeline}},
		{"The budget is flexible", []store.FactType{store.FactBudget}},
		{"Not sure about pricing. We need it by June.", []store.FactType{store.FactBudget}},
		{"We need it by June", nil},
	}
	for _, tc := range cases {
		got := hedgedTopics(tc.msg)
		if len(got) != len(tc.want) {
			t.Errorf("%q: hedged = %v, want %v", tc.msg, got, tc.want)
			continue
		}
		for _, ft := range tc.want {
			if !got[ft] {
				t.Errorf("%q: hedged = %v, want %v", tc.msg, got, tc.want)
			}
		}
	}
}

func TestExtractorWithRules_OnlyRunsGivenRules(t *testing.T) {
	e := NewExtractorWithRules([]Rule{budgetRule()}, nil)
	facts := e.Extract("I'm the CTO and our budget is $50k-$80k", "What's your role?")
	if len(facts) != 1 || facts[0].Type != store.FactBudget || facts[0].Value != "$50k - $80k" {
		t.Fatalf("facts = %+v, want only the budget range", facts)
	}
}

func TestExtract_VagueBudgetIsSuppressedOrWeak(t *testing.T) {
	e := NewExtractor()
	for _, msg := range []string{
		"Not sure about budget yet",
		"not sure about budget, maybe $20k-$40k",
	} {
		for _, f := range factsOf(e.Extract(msg, ""), store.FactBudget) {
			if f.Confidence >= 0.5 {
				t.Errorf("%q: budget %q confidence = %v, want < 0.5", msg, f.Value, f.Confidence)
			}
		}
	}
}

func TestExtract_PerType(t *testing.T) {
	cases := []struct {
		msg      string
		factType store.FactType
		value    string
		minConf  float64
	}{
		{"I'm the CTO at a fintech startup", store.FactRole, "CTO", 0.9},
		{"We need it launched by Q3 2026.", store.FactTimeline, "Q3 2026", 0.9},
		{"ASAP please", store.FactTimeline, "ASAP", 0.8},
		{"We have 50 employees", store.FactCompanySize, "50 employees", 0.9},
		{"We need a mobile app for our clinic", store.FactProjectType, "mobile app", 0.9},
		{"We work in the healthcare industry", store.FactIndustry, "healthcare", 0.9},
		{"We're struggling with slow deployments and manual testing.", store.FactPainPoint, "slow deployments", 0.85},
		{"We're ready to move forward", store.FactDecisionStage, "ready to buy", 0.9},
		{"Just researching options for now", store.FactDecisionStage, "researching", 0.8},
	}
	e := NewExtractor()
	for _, tc := range cases {
		facts := factsOf(e.Extract(tc.msg, ""), tc.factType)
		var got *store.FactInput
		for i := range facts {
			if facts[i].Value == tc.value {
				got = &facts[i]
			}
		}
		if got == nil {
			t.Errorf("%q: no %s %q in %+v", tc.msg, tc.factType, tc.value, facts)
			continue
		}
		if got.Confidence < tc.minConf {
			t.Errorf("%q: confidence = %v, want >= %v", tc.msg, got.Confidence, tc.minConf)
		}
	}
}

func TestExtract_ConflictingValuesAreAllReturned(t *testing.T) {
	e := NewExtractor()
	roles := factsOf(e.Extract("I'm a developer. As the project lead I also review budgets.", ""), store.FactRole)

	values := map[string]bool{}
	for _, f := range roles {
		values[f.Value] = true
	}
	if !values["developer"] || !values["project lead"] {
		t.Fatalf("roles = %+v, want developer and project lead", roles)
	}
}

func TestExtract_NoMatchIsEmpty(t *testing.T) {
	e := NewExtractor()
	if facts := e.Extract("Tell me about your services", ""); len(facts) != 0 {
		t.Fatalf("facts = %+v, want none", facts)
	}
	if facts := e.Extract("   ", ""); facts != nil {
		t.Fatalf("blank message facts = %+v, want nil", facts)
	}
}

func TestExtract_SourceTextIsTheSentence(t *testing.T) {
	e := NewExtractor()
	facts := factsOf(e.Extract("Hello there. We have 50 employees. Thanks!", ""), store.FactCompanySize)
	if len(facts) != 1 {
		t.Fatalf("facts = %+v, want one", facts)
	}
	if facts[0].SourceText != "We have 50 employees." {
		t.Errorf("source text = %q", facts[0].SourceText)
	}
}

func TestExtract_FollowUpAnswers(t *testing.T) {
	e := NewExtractor()

	budget := factsOf(e.Extract("around 50k", "What budget range are you working with?"), store.FactBudget)
	if len(budget) != 1 || budget[0].Value != "$50k" || budget[0].Confidence != 0.7 {
		t.Errorf("budget follow-up = %+v", budget)
	}
	if facts := e.Extract("around 50k", ""); len(facts) != 0 {
		t.Errorf("without a question got %+v", facts)
	}

	role := factsOf(e.Extract("Head of marketing", "What's your role at the company?"), store.FactRole)
	if len(role) != 1 || role[0].Value != "Head of marketing" {
		t.Errorf("role follow-up = %+v", role)
	}

	if facts := e.Extract("yes", "What's your role at the company?"); len(facts) != 0 {
		t.Errorf("affirmation read as role: %+v", facts)
	}
}

func TestExtractName(t *testing.T) {
	cases := map[string]string{
		"My name is John":                            "John",
		"my name is john":                            "John",
		"My name is JOHN SMITH":                      "John Smith",
		"My name is Mary Jane Watson":                "Mary Jane Watson",
		"I'm Sarah":                                  "Sarah",
		"I am Michael":                               "Michael",
		"Call me Dave":                               "Dave",
		"This is Maria":                              "Maria",
		"My name is John and I work at Google":       "John",
		"My name is Sarah my email is test@test.com": "Sarah",
		"I'm Mike from Acme Corp":                    "Mike",
		"My name is John123":                         "John",
		"no, I'm Jane":                               "Jane",
		"Hello, how are you?":                        "",
		"My name is X":                               "",
		"Good morning":                               "",
		"I'm not sure about that":                    "",
		"I'm interested in your services":            "",
		"I'm looking for a consultant":               "",
		"I'm working on a project":                   "",
		"I'm just browsing":                          "",
		"I'm actually looking for pricing":           "",
		"I'm the CTO":                                "",
	}
	for msg, want := range cases {
		if got := ExtractName(msg); got != want {
			t.Errorf("ExtractName(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestExtractEmailAndPhone(t *testing.T) {
	emails := map[string]string{
		"my email is john@example.com":  "john@example.com",
		"John.Smith@Company.COM":        "john.smith@company.com",
		"test+label@gmail.com":          "test+label@gmail.com",
		"my email is john@":             "",
		"I don't have an email address": "",
	}
	for msg, want := range emails {
		if got := ExtractEmail(msg); got != want {
			t.Errorf("ExtractEmail(%q) = %q, want %q", msg, got, want)
		}
	}

	phones := map[string]string{
		"My phone is 5551234567":  "5551234567",
		"Call me at 555-123-4567": "5551234567",
		"555.123.4567":            "5551234567",
		"(555) 123-4567":          "5551234567",
		"+1 555-123-4567":         "+15551234567",
		"Call 555-1234":           "",
		"I don't have a phone":    "",
	}
	for msg, want := range phones {
		if got := ExtractPhone(msg); got != want {
			t.Errorf("ExtractPhone(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestExtractCompany(t *testing.T) {
	cases := map[string]string{
		"I work at Google":                   "Google",
		"I work for Microsoft":               "Microsoft",
		"I'm at Amazon":                      "Amazon",
		"I'm with Tesla":                     "Tesla",
		"I'm from Acme Corp":                 "Acme Corp",
		"My company is Blacksky":             "Blacksky",
		"I work at General Electric":         "General Electric",
		"I work at google":                   "Google",
		"I work at Acme and I love it":       "Acme",
		"I work at Acme my email is a@b.com": "Acme",
		"Hello, I need help":                 "",
		"I'm looking at options":             "",
	}
	for msg, want := range cases {
		if got := ExtractCompany(msg); got != want {
			t.Errorf("ExtractCompany(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestExtractProfile_IntroWithCompany(t *testing.T) {
	p := ExtractProfile("Hi, I'm John from Acme, what's your pricing?")
	want := Profile{Name: "John", Company: "Acme"}
	if p != want {
		t.Fatalf("profile = %+v, want %+v", p, want)
	}
	if p.Empty() {
		t.Fatal("profile reported empty")
	}
}

func TestInterests(t *testing.T) {
	got := Interests("We need an AI chatbot and a mobile app, what's the cost?")
	want := []string{"ai/ml", "mobile apps", "pricing"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("interests = %v, want %v", got, want)
	}
	if got := Interests("hello"); got != nil {
		t.Fatalf("interests = %v, want none", got)
	}
}
