package extract

import (
	"regexp"
	"strings"
	"unicode"
)

// Profile holds the identity details a user volunteered in one message.
// Empty fields were not found.
type Profile struct {
	Name    string
	Email   string
	Phone   string
	Company string
}

func (p Profile) Empty() bool {
	return p.Name == "" && p.Email == "" && p.Phone == "" && p.Company == ""
}

var (
	namePattern  = regexp.MustCompile(`(?i)\b(?:my name is|my name's|i'm|i am|im|call me|this is)\s+([a-z][a-z'-]*(?:\s+[a-z][a-z'-]*){0,3})`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:my (?:phone|number|cell|mobile)(?: number)? is|phone:?\s+|call me at|reach me at|text me at)\s*(\+?[\d\s\-().]{10,20})`),
		regexp.MustCompile(`(?:^|[^\d$,.])(\+?1?[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4})(?:$|\D)`),
	}

	companyPattern = regexp.MustCompile(`(?i)(?:i work (?:at|for)|i'm (?:at|with|from)|i am (?:at|with|from)|my company is|our company is|i represent|company:)\s*([a-z0-9][\w&.'-]*(?:\s+[\w&.'-]+){0,3}[,;:!?]?)`)
	// "I'm John from Acme": group 1 is the name, group 2 the company
	introCompanyPattern = regexp.MustCompile(`(?i)(?:my name is|i'm|i am|this is)\s+([a-z]+(?:\s+[a-z]+)?)\s+(?:from|at|with)\s+([a-z0-9][\w&.'-]*(?:\s+[\w&.'-]+){0,3}[,;:!?]?)`)
)

// notNames are words that follow "I'm" or "this is" without being a name.
var notNames = toSet(
	"a", "an", "the", "at", "in", "on", "with", "from", "for", "just", "so", "very", "really", "not",
	"here", "there", "looking", "interested", "curious", "wondering", "asking", "trying", "working",
	"building", "planning", "thinking", "hoping", "going", "getting", "doing", "using", "running",
	"considering", "exploring", "researching", "evaluating", "comparing", "reaching", "writing",
	"good", "fine", "great", "okay", "ok", "well", "new", "sure", "glad", "happy", "excited", "ready",
	"done", "back", "still", "also", "actually", "currently", "only", "basically", "definitely",
	"probably", "kind", "sort", "about", "all", "busy", "sorry", "afraid", "confused", "unsure",
	"cto", "ceo", "cfo", "coo", "cio", "vp", "director", "manager", "founder", "owner", "engineer",
	"developer", "designer", "consultant", "head", "lead", "part", "responsible", "in-house",
	"what", "how", "why", "when", "where", "who", "it", "that", "this", "your", "my", "our",
	"yes", "no", "yeah", "nope", "hi", "hello", "hey", "thanks", "thank",
)

// nameStops end a name: "John and my email is ..." stops at "and".
var nameStops = toSet(
	"and", "my", "email", "at", "from", "with", "the", "i", "work", "company", "of", "here", "but",
	"so", "or", "im", "i'm", "we", "our", "calling", "reaching", "writing", "looking", "by", "in",
)

var notCompanies = toSet(
	"a", "an", "the", "here", "there", "home", "work", "school", "looking", "interested", "curious",
	"wondering", "asking", "legacy", "new", "old", "small", "large", "big", "local", "my", "our",
	"myself", "freelance", "self", "what", "how", "your", "you",
)

var companyStops = toSet(
	"and", "but", "so", "my", "email", "where", "which", "who", "we", "i", "in", "to", "on", "as",
	"what", "what's", "whats", "how", "can", "could", "do", "does", "is", "are", "and", "looking",
	"interested", "our", "for", "phone", "number",
)

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// ExtractProfile pulls name, email, phone and company out of one message.
func ExtractProfile(message string) Profile {
	return Profile{
		Name:    ExtractName(message),
		Email:   ExtractEmail(message),
		Phone:   ExtractPhone(message),
		Company: ExtractCompany(message),
	}
}

// ExtractName returns a title-cased self-introduced name of at most three
// words, or "" when the phrase after "I'm" is not a name.
func ExtractName(message string) string {
	for _, m := range namePattern.FindAllStringSubmatch(message, -1) {
		words := strings.Fields(m[1])
		if len(words) == 0 || notNames[strings.ToLower(words[0])] {
			continue
		}
		var kept []string
		for _, w := range words {
			if nameStops[strings.ToLower(w)] || len(kept) == 3 {
				break
			}
			kept = append(kept, w)
		}
		name := nameCase(strings.Join(kept, " "))
		if n := len([]rune(name)); n < 2 || n > 30 || strings.ContainsAny(name, "0123456789") {
			continue
		}
		return name
	}
	return ""
}

func ExtractEmail(message string) string {
	return strings.ToLower(emailPattern.FindString(message))
}

// ExtractPhone returns the digits (and a leading +) of a 10 to 15 digit
// phone number.
func ExtractPhone(message string) string {
	// an email address can hide digit runs
	text := emailPattern.ReplaceAllString(message, " ")
	for _, re := range phonePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		var b strings.Builder
		for i, r := range strings.TrimSpace(m[1]) {
			if unicode.IsDigit(r) || (r == '+' && i == 0) {
				b.WriteRune(r)
			}
		}
		phone := b.String()
		digits := len(strings.TrimPrefix(phone, "+"))
		if digits >= 10 && digits <= 15 {
			return phone
		}
	}
	return ""
}

// ExtractCompany returns the employer named in message, or "".
func ExtractCompany(message string) string {
	for _, m := range companyPattern.FindAllStringSubmatch(message, -1) {
		if company := companyName(m[1]); company != "" {
			return company
		}
	}
	for _, m := range introCompanyPattern.FindAllStringSubmatch(message, -1) {
		if first := strings.Fields(m[1])[0]; notNames[strings.ToLower(first)] {
			continue
		}
		if company := companyName(m[2]); company != "" {
			return company
		}
	}
	return ""
}

func companyName(raw string) string {
	words := strings.Fields(raw)
	if len(words) == 0 || notCompanies[strings.ToLower(strings.Trim(words[0], ".,;:!?"))] {
		return ""
	}
	var kept []string
	for _, w := range words {
		if companyStops[strings.ToLower(strings.Trim(w, ".,;:!?"))] {
			break
		}
		kept = append(kept, strings.TrimRight(w, ",;:!?"))
		// punctuation closes the name: "Acme, what's your pricing"
		if strings.ContainsAny(w[len(w)-1:], ",;:!?") {
			break
		}
	}
	company := strings.TrimSuffix(strings.Join(kept, " "), ".")
	if n := len([]rune(company)); n < 2 || n > 50 {
		return ""
	}
	return capitalize(company)
}

// nameCase title-cases each word: "jOHN smith" becomes "John Smith".
func nameCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// capitalize upper-cases the first letter of each word and keeps the rest,
// so "acme AI" becomes "Acme AI".
func capitalize(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
