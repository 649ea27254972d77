package extract

import "regexp"

type topic struct {
	name string
	re   *regexp.Regexp
}

// topics are the service areas a conversation can touch, in display order.
var topics = []topic{
	{"ai/ml", regexp.MustCompile(`(?i)\b(?:ai|a\.i\.|machine learning|ml|llm|chatbot|gpt|artificial intelligence|nlp|computer vision)\b`)},
	{"web development", regexp.MustCompile(`(?i)\b(?:website|web site|web app|web application|frontend|front-end|landing page|react|wordpress)\b`)},
	{"mobile apps", regexp.MustCompile(`(?i)\b(?:mobile|ios|android|iphone|app store)\b`)},
	{"cloud & devops", regexp.MustCompile(`(?i)\b(?:cloud|aws|azure|gcp|devops|kubernetes|docker|ci/cd|infrastructure|migration)\b`)},
	{"data engineering", regexp.MustCompile(`(?i)\b(?:data pipeline|etl|data warehouse|analytics|dashboard|big data|database)\b`)},
	{"security", regexp.MustCompile(`(?i)\b(?:security|cybersecurity|penetration test|pentest|vulnerability|soc ?2)\b`)},
	{"federal compliance", regexp.MustCompile(`(?i)\b(?:fedramp|federal|government|gsa|nist|cmmc|section 508|fisma)\b`)},
	{"pricing", regexp.MustCompile(`(?i)\b(?:pricing|price|cost|quote|rates?|budget)\b`)},
}

// Interests tags message with the service topics it mentions.
func Interests(message string) []string {
	var out []string
	for _, t := range topics {
		if t.re.MatchString(message) {
			out = append(out, t.name)
		}
	}
	return out
}
