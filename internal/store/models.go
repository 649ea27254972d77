package store

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidStatus        = errors.New("invalid lead status")
	ErrInvalidFactType      = errors.New("invalid fact type")
)

// LeadStatus is the sales pipeline position of a user.
type LeadStatus string

const (
	StatusNew       LeadStatus = "new"
	StatusContacted LeadStatus = "contacted"
	StatusQualified LeadStatus = "qualified"
	StatusConverted LeadStatus = "converted"
	StatusArchived  LeadStatus = "archived"
)

var leadStatuses = []LeadStatus{StatusNew, StatusContacted, StatusQualified, StatusConverted, StatusArchived}

func ParseLeadStatus(s string) (LeadStatus, error) {
	for _, st := range leadStatuses {
		if string(st) == strings.ToLower(strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", ErrInvalidStatus
}

type AuthMethod string

const (
	AuthAnonymous AuthMethod = "anonymous"
	AuthSoft      AuthMethod = "soft"
	AuthVerified  AuthMethod = "verified"
)

type InterestLevel string

const (
	InterestLow    InterestLevel = "low"
	InterestMedium InterestLevel = "medium"
	InterestHigh   InterestLevel = "high"
)

// InterestLevelFor maps a lead score onto the coarse interest level.
func InterestLevelFor(score int) InterestLevel {
	switch {
	case score >= 4:
		return InterestHigh
	case score >= 2:
		return InterestMedium
	default:
		return InterestLow
	}
}

// FactType is the closed set of attributes the extractor can learn about a user.
type FactType string

const (
	FactRole          FactType = "role"
	FactBudget        FactType = "budget"
	FactTimeline      FactType = "timeline"
	FactCompanySize   FactType = "company_size"
	FactProjectType   FactType = "project_type"
	FactIndustry      FactType = "industry"
	FactPainPoint     FactType = "pain_point"
	FactDecisionStage FactType = "decision_stage"
)

// FactTypes lists every FactType in display order.
var FactTypes = []FactType{
	FactRole, FactBudget, FactTimeline, FactCompanySize,
	FactProjectType, FactIndustry, FactPainPoint, FactDecisionStage,
}

func (t FactType) Valid() bool {
	return t.rank() >= 0
}

// Label is the human readable name used in prompts and exports.
func (t FactType) Label() string {
	switch t {
	case FactRole:
		return "Role"
	case FactBudget:
		return "Budget"
	case FactTimeline:
		return "Timeline"
	case FactCompanySize:
		return "Company Size"
	case FactProjectType:
		return "Project Type"
	case FactIndustry:
		return "Industry"
	case FactPainPoint:
		return "Pain Point"
	case FactDecisionStage:
		return "Decision Stage"
	}
	return string(t)
}

func (t FactType) rank() int {
	for i, ft := range FactTypes {
		if ft == t {
			return i
		}
	}
	return -1
}

func ParseFactType(s string) (FactType, error) {
	ft := FactType(strings.ToLower(strings.TrimSpace(s)))
	if !ft.Valid() {
		return "", ErrInvalidFactType
	}
	return ft, nil
}

type User struct {
	ID               string        `json:"id"`
	Name             string        `json:"name,omitempty"`
	Email            string        `json:"email,omitempty"`
	Phone            string        `json:"phone,omitempty"`
	Company          string        `json:"company,omitempty"`
	Status           LeadStatus    `json:"status"`
	Notes            string        `json:"notes,omitempty"`
	AuthMethod       AuthMethod    `json:"auth_method"`
	InterestLevel    InterestLevel `json:"interest_level"`
	ExternalProvider string        `json:"external_provider,omitempty"`
	ExternalID       string        `json:"external_id,omitempty"`
	ExternalEmail    string        `json:"external_email,omitempty"`
	ExternalName     string        `json:"external_name,omitempty"`
	PasswordHash     string        `json:"-"` // only set for verified accounts
	Active           bool          `json:"active"`
	MergedInto       string        `json:"merged_into,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	LastSeen         time.Time     `json:"last_seen"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Failed         bool      `json:"failed,omitempty"` // assistant reply replaced by an apology
	Timestamp      time.Time `json:"timestamp"`
}

type Conversation struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Summary      string     `json:"summary,omitempty"`
	Interests    []string   `json:"interests"`
	LeadScore    int        `json:"lead_score"`
	StartedAt    time.Time  `json:"started_at"`
	LastActivity time.Time  `json:"last_activity"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Messages     []Message  `json:"messages,omitempty"`
}

func (c *Conversation) Open() bool {
	return c.EndedAt == nil
}

type Fact struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Type           FactType  `json:"fact_type"`
	Value          string    `json:"fact_value"`
	Confidence     float64   `json:"confidence"`
	SourceText     string    `json:"source_text"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ExtractedAt    time.Time `json:"extracted_at"`
}

// FactInput is a fact observation about to be written.
type FactInput struct {
	Type       FactType
	Value      string
	Confidence float64
	SourceText string
}

// UserContext is the read-side aggregate used to build prompts.
type UserContext struct {
	User                *User          `json:"user"`
	Facts               []Fact         `json:"facts"`
	RecentConversations []Conversation `json:"recent_conversations"`
	TotalConversations  int            `json:"total_conversations"`
}

// FactMap indexes the reduced facts by type.
func (c *UserContext) FactMap() map[FactType]Fact {
	out := make(map[FactType]Fact, len(c.Facts))
	for _, f := range c.Facts {
		out[f.Type] = f
	}
	return out
}

// UserMatch is a candidate returned by a name lookup.
type UserMatch struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	LastTopic string    `json:"last_topic,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// FactMatch is a user found through search_by_fact.
type FactMatch struct {
	UserID     string   `json:"user_id"`
	Name       string   `json:"name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Type       FactType `json:"fact_type"`
	Value      string   `json:"fact_value"`
	Confidence float64  `json:"confidence"`
}

type Lead struct {
	User             User       `json:"user"`
	LeadScore        int        `json:"lead_score"`
	LastConversation *time.Time `json:"last_conversation_at,omitempty"`
	LastSummary      string     `json:"last_summary,omitempty"`
	Interests        []string   `json:"interests"`
	Conversations    int        `json:"conversations"`
}

type Analytics struct {
	TotalLeads            int                `json:"total_leads"`
	ByStatus              map[LeadStatus]int `json:"by_status"`
	AverageLeadScore      float64            `json:"average_lead_score"`
	HotLeads              int                `json:"hot_leads"`
	NewLeadsThisWeek      int                `json:"new_leads_this_week"`
	ConversationsThisWeek int                `json:"conversations_this_week"`
	PageViewsThisWeek     int                `json:"page_views_this_week"`
	TopInterests          []InterestCount    `json:"top_interests"`
}

type InterestCount struct {
	Interest string `json:"interest"`
	Count    int    `json:"count"`
}

type PageView struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Path     string    `json:"path"`
	Title    string    `json:"title,omitempty"`
	ViewedAt time.Time `json:"viewed_at"`
}

type DataChunk struct {
	ID            int64     `json:"id"`
	SourceID      string    `json:"source_id"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"-"` // internal
	EmbeddingJSON string    `json:"-"` // Store as JSON string for DB
}

type DocumentSource struct {
	SourceID string `json:"source_id"`
	Chunks   int    `json:"chunks"`
}

// ProfileUpdate carries identity fields; empty fields are left untouched.
type ProfileUpdate struct {
	Name       string
	Email      string
	Phone      string
	Company    string
	AuthMethod AuthMethod
}

// TurnWrite is everything one chat turn persists, applied as one transaction.
type TurnWrite struct {
	UserID           string
	ConversationID   string
	MergeInto        string // confirmed identity match, empty when none
	UserMessage      string
	AssistantMessage string
	AssistantFailed  bool
	SkipAssistant    bool // partial answer discarded
	Facts            []FactInput
	LeadScore        int // 0 leaves the conversation score untouched
	Interests        []string
	Profile          ProfileUpdate
}

// TurnResult reports what ApplyTurn changed.
type TurnResult struct {
	UserID            string
	ConversationID    string
	LeadScore         int
	PreviousLeadScore int
	NewEmail          bool
	NewPhone          bool
}
