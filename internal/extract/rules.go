package extract

import (
	"regexp"
	"strings"

	"blacksky.com/maurice/internal/store"
)

// Shared vocabularies. Every pattern is compiled case-insensitive.
const (
	amount = `(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?\s*(?:thousand|million|k|m)?`

	timePhrase = `(?:(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)(?:\s+\d{4})?` +
		`|q[1-4](?:\s*\d{4})?` +
		`|next\s+(?:week|month|quarter|year|spring|summer|fall|winter)` +
		`|(?:this|next)\s+(?:spring|summer|fall|autumn|winter)` +
		`|(?:the\s+)?end\s+of\s+(?:the\s+)?(?:year|quarter|month|q[1-4])` +
		`|\d+\s*(?:-\s*\d+\s*)?(?:days?|weeks?|months?)` +
		`|\d{4})`

	roleModifiers = `(?:(?:senior|junior|lead|principal|staff|chief|technical|tech|software|data|product|engineering|marketing|sales|it|operations|project|program|managing|general|executive|regional|frontend|front-end|backend|back-end|full-stack|fullstack|devops|cloud|security|ml|ai|solutions|business|creative|design|hr|finance|financial|technology|information|digital|growth)\s+){0,3}`

	roleTitle = `(?:cto|ceo|cfo|coo|cio|ciso|cmo|cpo|vp|vice president|director|manager|lead|head of [a-z]+|engineer|developer|architect|designer|analyst|consultant|co-?founder|founder|owner|president|programmer|scientist|administrator|officer|partner|recruiter|marketer|specialist|contractor|freelancer)`

	projectKind = `(?:mobile app|ios app|android app|web app|web application|website|web site|landing page|api|platform|dashboard|portal|e-?commerce (?:site|store|platform)|online store|marketplace|saas (?:product|platform|app)|chatbot|data pipeline|data warehouse|machine learning model|ml model|ai (?:solution|system|assistant|agent|tool|integration)|crm|erp|mvp|cloud migration|redesign)`

	industryName = `(?:healthcare|health care|fintech|financial services|finance|banking|insurance|retail|e-?commerce|education|edtech|government|federal|public sector|defense|legal|real estate|manufacturing|logistics|transportation|media|entertainment|energy|oil and gas|telecom(?:munications)?|non-?profit|hospitality|construction|agriculture|pharma(?:ceutical)?s?|biotech|cybersecurity|automotive|aerospace|gaming)`

	hedgeWords = `(?:not sure|unsure|no idea|don'?t know|do not know|haven'?t (?:decided|figured out|set)|undecided|tbd|to be determined|flexible|not certain|no clue)`

	clauseEnd = `\s*(?:[.,;!?]|\band\b|\bbut\b|$)`
)

func mustPattern(expr string, confidence float64, value func(m []string) string) pattern {
	return pattern{re: regexp.MustCompile(`(?i)` + expr), confidence: confidence, value: value}
}

// hedgeReach is how far from a hedge word its subject may sit.
const hedgeReach = 40

var (
	hedgeRe = regexp.MustCompile(`(?i)` + hedgeWords)

	topicKeywords = []struct {
		factType store.FactType
		re       *regexp.Regexp
	}{
		{store.FactBudget, regexp.MustCompile(`(?i)\b(?:budget|spend|cost|costs|price|pricing)\b`)},
		{store.FactTimeline, regexp.MustCompile(`(?i)\b(?:timeline|deadline|when|timeframe|time frame|launch date)\b`)},
	}
)

// hedgedTopics returns the fact types a message hedges about. A hedge refers
// to the first topic keyword after it in the same clause ("not sure about the
// timeline"), failing that to the nearest one before it ("budget is
// flexible").
func hedgedTopics(message string) map[store.FactType]bool {
	out := map[store.FactType]bool{}
	for _, h := range hedgeRe.FindAllStringIndex(message, -1) {
		from := strings.LastIndexAny(message[:h[0]], ".?!\n") + 1
		to := len(message)
		if i := strings.IndexAny(message[h[1]:], ".?!\n"); i >= 0 {
			to = h[1] + i
		}

		after := message[h[1]:min(to, h[1]+hedgeReach)]
		best, found := -1, store.FactType("")
		for _, k := range topicKeywords {
			if loc := k.re.FindStringIndex(after); loc != nil && (best < 0 || loc[0] < best) {
				best, found = loc[0], k.factType
			}
		}
		if found == "" {
			before := message[max(from, h[0]-hedgeReach):h[0]]
			for _, k := range topicKeywords {
				locs := k.re.FindAllStringIndex(before, -1)
				if len(locs) > 0 && locs[len(locs)-1][0] > best {
					best, found = locs[len(locs)-1][0], k.factType
				}
			}
		}
		if found != "" {
			out[found] = true
		}
	}
	return out
}

// DefaultRules returns one rule per fact type.
func DefaultRules() []Rule {
	return []Rule{
		roleRule(),
		budgetRule(),
		timelineRule(),
		companySizeRule(),
		projectTypeRule(),
		industryRule(),
		painPointRule(),
		decisionStageRule(),
	}
}

// DefaultFollowUpRules returns the rules that read short answers to the
// assistant's previous question.
func DefaultFollowUpRules() []FollowUpRule {
	return []FollowUpRule{
		&followUpRule{
			factType:   store.FactBudget,
			asks:       regexp.MustCompile(`(?i)\b(?:budget|spend|invest|price range|how much)\b`),
			answer:     mustPattern(`^(?:(?:around|about|roughly|maybe|probably|like|approximately|~)\s*)?(\$?\s*`+amount+`(?:\s*(?:-|–|to)\s*\$?\s*`+amount+`)?)\b`, 0, moneyAnswer),
			maxWords:   6,
			confidence: 0.7,
		},
		&followUpRule{
			factType:   store.FactTimeline,
			asks:       regexp.MustCompile(`(?i)\b(?:timeline|when|deadline|how soon|timeframe|time frame|launch)\b`),
			answer:     mustPattern(`^(?:(?:by|in|within|around|before|probably|maybe|hopefully|ideally)\s+)*(`+timePhrase+`)\b`, 0, nil),
			maxWords:   6,
			confidence: 0.7,
		},
		&followUpRule{
			factType:   store.FactRole,
			asks:       regexp.MustCompile(`(?i)\b(?:your role|what do you do|your title|your position|what's your job|what is your job)\b`),
			answer:     mustPattern(`^(?:(?:i'm|i am|im|a|an|the)\s+)*([a-z][a-z -]{1,50})$`, 0, roleAnswer),
			maxWords:   5,
			confidence: 0.6,
		},
		&followUpRule{
			factType:   store.FactIndustry,
			asks:       regexp.MustCompile(`(?i)\b(?:industry|sector|what (?:kind|type) of (?:company|business)|what does your company do)\b`),
			answer:     mustPattern(`\b(`+industryName+`)\b`, 0, nil),
			maxWords:   8,
			confidence: 0.7,
		},
		&followUpRule{
			factType:   store.FactCompanySize,
			asks:       regexp.MustCompile(`(?i)\b(?:how (?:big|large|many (?:people|employees))|team size|company size|size of your)\b`),
			answer:     mustPattern(`^(?:(?:about|around|roughly|maybe|over|under|like|~)\s*)?(\d[\d,]*)\s*\+?\s*(?:people|employees|staff|of us)?$`, 0, headcount),
			maxWords:   4,
			confidence: 0.7,
		},
	}
}

func roleRule() Rule {
	return &patternRule{
		factType: store.FactRole,
		patterns: []pattern{
			mustPattern(`\b(?:i'm|i am|i work as|work as|my role is|my title is|my position is|i serve as)\s+(?:(?:a|an|the|currently|also)\s+)*(`+roleModifiers+roleTitle+`)\b`, 0.9, roleValue),
			mustPattern(`(?:^|[,.;]\s*)as\s+(?:(?:a|an|the)\s+)?(`+roleModifiers+roleTitle+`)\b`, 0.85, roleValue),
		},
	}
}

func budgetRule() Rule {
	return &patternRule{
		factType: store.FactBudget,
		patterns: []pattern{
			mustPattern(`\$\s*(`+amount+`)\s*(?:-|–|—|to)\s*\$?\s*(`+amount+`)`, 0.9, moneyRange),
			mustPattern(`\b(\d+\s*k)\s*(?:-|–|to)\s*(\d+\s*k)\b`, 0.85, moneyRange),
			mustPattern(`\bbudget\b[:\s]+(?:(?:is|of|around|about|roughly|approximately|at|maybe)\s+){0,2}\$?\s*(`+amount+`)`, 0.85, money),
			mustPattern(`\$?\s*(\d+(?:\.\d+)?\s*(?:thousand|million|k|m))\s+(?:dollar\s+)?(?:budget|to spend)\b`, 0.8, money),
			mustPattern(`\b(?:spend|invest|allocated?|set aside)\s+(?:(?:up to|around|about|roughly)\s+)?\$\s*(`+amount+`)`, 0.75, money),
		},
		hedgeable: true,
	}
}

func timelineRule() Rule {
	return &patternRule{
		factType: store.FactTimeline,
		patterns: []pattern{
			mustPattern(`\b(?:need|want|like|hoping|hope|looking|plan(?:ning)?|launch(?:ing)?|go(?:ing)? live|ship|deliver|done|ready)\b[^.?!]{0,40}?\b(?:by|before|in|within)\s+(`+timePhrase+`)\b`, 0.9, nil),
			mustPattern(`\b(?:timeline|deadline|timeframe|time frame|launch date)\b[:\s]+(?:(?:is|of|around|about|roughly)\s+)*(`+timePhrase+`)\b`, 0.85, nil),
			mustPattern(`\b(asap|as soon as possible|urgent(?:ly)?|immediately|right away)\b`, 0.8, func([]string) string { return "ASAP" }),
		},
		vague:     regexp.MustCompile(`(?i)\b(?:no rush|no hurry|whenever|no deadline|no set timeline)\b`),
		hedgeable: true,
	}
}

func companySizeRule() Rule {
	return &patternRule{
		factType: store.FactCompanySize,
		patterns: []pattern{
			mustPattern(`\b(?:we have|we've got|we're|we are|there are|about|around|roughly|over|under|nearly|almost|team of|company of|staff of)\s+(\d[\d,]*)\s*\+?\s*(?:full-time employees|employees|people|staff|team members|engineers|developers|folks|ftes?)\b`, 0.9, headcount),
			mustPattern(`\b(\d[\d,]*)[\s-]*(?:person|people|employee|man|member)\s+(?:company|team|startup|firm|shop|organization|business|agency)\b`, 0.85, headcount),
			mustPattern(`\b(?:we're|we are|i'm at|i work at|i work for|i run|i own)\s+(?:(?:a|an|just a|still a|just an)\s+)?(early[- ]stage startup|startup|small business|small company|small team|mid-?sized? company|large enterprise|enterprise|smb)\b`, 0.8, lower),
			mustPattern(`\b(fortune\s*\d{2,4})\b`, 0.8, func(m []string) string {
				return "Fortune " + strings.TrimSpace(strings.TrimPrefix(strings.ToLower(m[1]), "fortune"))
			}),
		},
	}
}

func projectTypeRule() Rule {
	return &patternRule{
		factType: store.FactProjectType,
		patterns: []pattern{
			mustPattern(`\b(?:need|want|looking for|build|building|develop|developing|create|creating|make|launch|launching|redo|rebuild|rebuilding|modernize)\s+(?:(?:a|an|the|our|my|new|custom|some|help|with|on)\s+)*(`+projectKind+`)\b`, 0.9, lower),
			mustPattern(`\b(?:working on|building|developing)\s+(?:(?:a|an|the|our|my|new|custom)\s+)*((?:[a-z-]+\s+){0,2}?(?:app|application|platform|system|tool|solution|product|pipeline|integration|service))\b`, 0.8, lower),
		},
	}
}

func industryRule() Rule {
	return &patternRule{
		factType: store.FactIndustry,
		patterns: []pattern{
			mustPattern(`\b(?:in the|work in|working in|operate in|we're in|we are in|i'm in|i am in|from the)\s+(`+industryName+`)\b`, 0.9, lower),
			mustPattern(`\b(?:we're an?|we are an?|it's an?|our|i run an?|i own an?|i work for an?|i work at an?)\s+(`+industryName+`|medtech|proptech|legaltech|insurtech|govtech)\s+(?:company|startup|business|firm|agency|organization|org|practice|shop|brand)\b`, 0.85, lower),
		},
	}
}

func painPointRule() Rule {
	return &patternRule{
		factType: store.FactPainPoint,
		patterns: []pattern{
			mustPattern(`\b(?:struggling with|struggle with|problems? with|issues? with|challenges? with|trouble with|concerned about|worried about|frustrated with|frustrated by|pain point is|biggest challenge is|main problem is|bottleneck is)\s+([a-z][a-z0-9\s'/-]*?)`+clauseEnd, 0.85, lower),
			mustPattern(`\b(?:need to|want to|trying to|have to|hoping to|looking to)\s+((?:scale|improve|fix|solve|automate|streamline|optimize|modernize|migrate|reduce|speed up|cut|replace|consolidate|secure)\s+[a-z][a-z0-9\s'/-]*?)`+clauseEnd, 0.8, lower),
		},
	}
}

func decisionStageRule() Rule {
	return &patternRule{
		factType: store.FactDecisionStage,
		patterns: []pattern{
			mustPattern(`\b(?:ready to|want to|looking to|would like to|we'd like to)\s+(?:start|begin|move forward|get started|kick off|hire|sign|engage|proceed)\b|\bready to go\b`, 0.9, constant("ready to buy")),
			mustPattern(`\b(?:researching|exploring (?:options|vendors|our options)|evaluating (?:options|vendors|partners|agencies|firms)|comparing (?:options|vendors|agencies|firms|quotes)|shopping around|looking around|gathering information|doing research)\b`, 0.8, constant("researching")),
			mustPattern(`\b(?:deciding|thinking about it|considering (?:options|our options|a few|several|whether)|weighing (?:options|our options))\b`, 0.7, constant("considering")),
		},
	}
}

func constant(v string) func([]string) string {
	return func([]string) string { return v }
}

func lower(m []string) string {
	return strings.ToLower(m[1])
}

var acronyms = map[string]bool{
	"cto": true, "ceo": true, "cfo": true, "coo": true, "cio": true, "ciso": true,
	"cmo": true, "cpo": true, "vp": true, "it": true, "ml": true, "ai": true, "hr": true,
}

func roleValue(m []string) string {
	words := strings.Fields(m[1])
	for i, w := range words {
		if acronyms[strings.ToLower(w)] {
			words[i] = strings.ToUpper(w)
		}
	}
	return strings.Join(words, " ")
}

var roleNonAnswers = map[string]bool{
	"yes": true, "no": true, "ok": true, "okay": true, "sure": true, "thanks": true, "nothing": true,
}

func roleAnswer(m []string) string {
	v := strings.TrimSpace(m[1])
	if roleNonAnswers[strings.ToLower(v)] {
		return ""
	}
	return roleValue([]string{m[0], v})
}

func normalizeAmount(a string) string {
	return strings.ToLower(strings.Join(strings.Fields(a), ""))
}

func money(m []string) string {
	return "$" + normalizeAmount(strings.TrimPrefix(strings.TrimSpace(m[1]), "$"))
}

func moneyRange(m []string) string {
	return "$" + normalizeAmount(m[1]) + " - $" + normalizeAmount(m[2])
}

var bareNumber = regexp.MustCompile(`^\d{1,3}$`)

// moneyAnswer accepts "50k", "$40,000" or "20-30k" but not a bare "12".
func moneyAnswer(m []string) string {
	raw := normalizeAmount(m[1])
	if !strings.HasPrefix(raw, "$") && bareNumber.MatchString(raw) {
		return ""
	}
	if strings.ContainsAny(raw, "–") {
		raw = strings.ReplaceAll(raw, "–", "-")
	}
	parts := strings.SplitN(strings.ReplaceAll(raw, "to", "-"), "-", 2)
	if len(parts) == 2 {
		return "$" + strings.TrimPrefix(parts[0], "$") + " - $" + strings.TrimPrefix(parts[1], "$")
	}
	return "$" + strings.TrimPrefix(raw, "$")
}

func headcount(m []string) string {
	return strings.ReplaceAll(m[1], ",", "") + " employees"
}
