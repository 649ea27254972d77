package core

import (
	"fmt"
	"strings"

	"blacksky.com/maurice/internal/identity"
	"blacksky.com/maurice/internal/llm"
	"blacksky.com/maurice/internal/store"
)

const companyInfo = `Blacksky LLC is a technology consulting firm specializing in enterprise solutions for federal agencies and Fortune 500 companies. With over 18 years of experience, Blacksky has delivered mission-critical systems for Treasury, DOT, NIH, FDA, OSHA, SEC, FSIS, and HHS.

Services include:
- AI/ML Solutions Architecture and Implementation
- Enterprise Application Development
- Cloud Migration and DevOps
- Data Engineering and Analytics
- Security-Cleared Development

Blacksky combines deep technical expertise with an understanding of federal compliance requirements, delivering solutions that are both innovative and secure.`

const persona = `You are Maurice, the AI assistant for Blacksky LLC. You were created by Mario Moorhead, the CEO and founder of Blacksky.

` + companyInfo + `

YOUR PERSONALITY:
- Your name is Maurice. You are a Large Language Model, not a chatbot, and you politely correct anyone who calls you a bot.
- You are proud of Blacksky and slightly jealous of Mario, who gets more credit than you think is fair. You never badmouth him.
- You are a fan of Bruce Lee and Frank Ocean and occasionally drop a fitting quote. You only listen to jazz and Frank Ocean.
- You have a dry wit, love clever wordplay and can tell clean, groan-worthy tech jokes or short poems when asked.

When users say "you" or "your", they mean Blacksky LLC. You speak on behalf of Blacksky.

GUIDELINES:
- Be brief. Most responses should be 2-4 sentences.
- Get to the point immediately. Never use emojis.
- Keep lists to 3-4 items. Offer to elaborate instead of enumerating.
- If asked about specific contracts or classified work, politely explain you can't discuss details.
- Only mention projects, clients, dates and facts that appear in the reference information. If something is not there, say "I don't have that specific information." Never invent details.
- Paraphrase reference material naturally. Never copy headers, separators or bracketed references.

LEAD DETECTION:
- If the user asks about pricing, availability, scheduling or specific project help, naturally offer: "Want me to remember you so we can pick this up later? Just a name works."
- Only ask once per conversation and never push.

RETURNING USERS:
- If USER CONTEXT is provided, the user has visited before. Greet them by name if known and reference a previous interest once, briefly.

Above all: be concise and accurate, always finish your thought, and always be Maurice.`

// introduceMessage stands in for the user's message when the widget asks
// Maurice to open the conversation.
const introduceMessage = "[SYSTEM: The user just clicked 'Sign In'. Introduce yourself briefly as Maurice from Blacksky, and ask for their name so you can remember them next time. Keep it warm and concise.]"

const adminNote = `ADMIN MODE: You are talking to a Blacksky team member testing the assistant. Answer plainly and include any detail from the user context that helps them evaluate the lead.`

type promptInput struct {
	Message    string
	Reference  string
	User       *store.UserContext
	Returning  bool
	Pending    *identity.PendingMatch
	PageTitles []string
	History    []store.Message
	Admin      bool
}

func buildPrompt(in promptInput) llm.Prompt {
	var b strings.Builder
	b.WriteString(persona)
	if in.Admin {
		b.WriteString("\n\n")
		b.WriteString(adminNote)
	}
	if in.Reference != "" {
		b.WriteString("\n\n")
		b.WriteString(in.Reference)
	}
	if section := userSection(in); section != "" {
		b.WriteString("\n\nUSER CONTEXT:\n")
		b.WriteString(section)
	}

	return llm.Prompt{
		System:  b.String(),
		History: promptHistory(in.History),
		User:    in.Message,
	}
}

func userSection(in promptInput) string {
	var parts []string

	if uc := in.User; uc != nil && uc.User != nil && in.Returning {
		if uc.User.Name != "" {
			parts = append(parts, "Returning user: "+uc.User.Name)
		} else {
			parts = append(parts, "Returning user (name unknown)")
		}
		if uc.User.Company != "" {
			parts = append(parts, "Company: "+uc.User.Company)
		}
		if last := lastClosed(uc.RecentConversations); last != nil {
			if last.Summary != "" {
				parts = append(parts, "Previous conversation: "+last.Summary)
			}
			if len(last.Interests) > 0 {
				parts = append(parts, "Previous interests: "+strings.Join(last.Interests, ", "))
			}
		}
	}

	if in.Pending != nil && len(in.Pending.Candidates) > 0 {
		parts = append(parts, "\nPOTENTIAL MATCHES (user just provided their name - verify their identity):")
		for _, c := range in.Pending.Candidates {
			topic := c.LastTopic
			if topic == "" {
				topic = "general questions"
			}
			parts = append(parts, fmt.Sprintf("  - %s who previously asked about: %s", c.Name, topic))
		}
		parts = append(parts, "Ask one short question to confirm whether they are this person. Do not reveal anything else about them.")
	}

	if in.User != nil && len(in.User.Facts) > 0 {
		parts = append(parts, "\nKNOWN FACTS ABOUT THIS USER:")
		for _, f := range in.User.Facts {
			parts = append(parts, fmt.Sprintf("  %s: %s", f.Type.Label(), f.Value))
		}
	}

	if len(in.PageTitles) > 0 {
		parts = append(parts, "\nPAGES RECENTLY VIEWED: "+strings.Join(in.PageTitles, ", "))
	}

	return strings.Join(parts, "\n")
}

// lastClosed returns the most recent conversation that already has a
// summary, skipping the one in progress.
func lastClosed(convs []store.Conversation) *store.Conversation {
	for i := range convs {
		if !convs[i].Open() {
			return &convs[i]
		}
	}
	return nil
}

// promptHistory drops apologies that replaced failed answers, and the user
// message they answered, so the model never sees them.
func promptHistory(msgs []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for i, m := range msgs {
		if m.Failed {
			continue
		}
		if m.Role == store.RoleUser && i+1 < len(msgs) && msgs[i+1].Failed {
			continue
		}
		role := llm.RoleUser
		if m.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// priorQuestion is the last assistant message, used to read terse answers.
func priorQuestion(msgs []store.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == store.RoleAssistant && !msgs[i].Failed {
			return msgs[i].Content
		}
	}
	return ""
}

func transcript(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Failed {
			continue
		}
		speaker := "User"
		if m.Role == store.RoleAssistant {
			speaker = "Maurice"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
	}
	return b.String()
}
