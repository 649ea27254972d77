package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"blacksky.com/maurice/internal/extract"
	"blacksky.com/maurice/internal/identity"
	"blacksky.com/maurice/internal/llm"
	"blacksky.com/maurice/internal/metrics"
	"blacksky.com/maurice/internal/notify"
	"blacksky.com/maurice/internal/rag"
	"blacksky.com/maurice/internal/scoring"
	"blacksky.com/maurice/internal/store"
)

var ErrInvalidTurn = errors.New("invalid turn")

const (
	// MaxMessageLength bounds a single user message in characters.
	MaxMessageLength = 4000

	apologyMessage  = "I'm sorry, I encountered an error while processing your request. Please try again in a moment."
	persistTimeout  = 10 * time.Second
	summaryTimeout  = 20 * time.Second
	recentPageCount = 3
	transcriptLimit = 200
	fallbackSummary = 200
)

// TurnRequest is one inbound chat message.
type TurnRequest struct {
	UserID         string
	ConversationID string
	Message        string
	// Admin turns come from staff testing the assistant. They are neither
	// scored nor reported as leads.
	Admin bool
	// Introduce asks Maurice to open the conversation; Message is ignored.
	Introduce  bool
	PageTitles []string
}

// TurnResult describes a finished turn. Err is set when the turn could not
// be saved; the reply has already reached the client by then.
type TurnResult struct {
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	LeadScore      int             `json:"lead_score"`
	Label          scoring.Label   `json:"label"`
	Identity       identity.Action `json:"identity"`
	Reply          string          `json:"reply"`
	Failed         bool            `json:"-"`
	Cancelled      bool            `json:"-"`
	Err            error           `json:"-"`
}

// TurnStream relays the reply as it is generated. Tokens is closed when the
// reply ends, after which Result yields exactly one value.
type TurnStream struct {
	Tokens <-chan string
	Result <-chan TurnResult
}

// Collect drains the stream into a single result.
func (s *TurnStream) Collect() TurnResult {
	for range s.Tokens {
	}
	return <-s.Result
}

type Options struct {
	MaxHistoryTurns  int
	HotLeadThreshold int
	IdleAfter        time.Duration
}

// Deps are the collaborators a turn passes through.
type Deps struct {
	Store      *store.SQLiteStore
	Resolver   *identity.Resolver
	Extractor  *extract.Extractor
	Scorer     *scoring.Scorer
	Context    *rag.ContextBuilder
	Streamer   llm.Streamer
	Summarizer llm.Summarizer
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
	Log        zerolog.Logger
}

// Orchestrator runs chat turns: identity, facts, score, references, prompt,
// stream, then one write for everything the turn produced.
type Orchestrator struct {
	store      *store.SQLiteStore
	resolver   *identity.Resolver
	extractor  *extract.Extractor
	scorer     *scoring.Scorer
	context    *rag.ContextBuilder
	streamer   llm.Streamer
	summarizer llm.Summarizer
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	log        zerolog.Logger
	opts       Options
	now        func() time.Time
}

func NewOrchestrator(d Deps, opts Options) *Orchestrator {
	if opts.MaxHistoryTurns <= 0 {
		opts.MaxHistoryTurns = 4
	}
	if opts.HotLeadThreshold <= 0 {
		opts.HotLeadThreshold = 4
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = 30 * time.Minute
	}
	if d.Extractor == nil {
		d.Extractor = extract.NewExtractor()
	}
	if d.Scorer == nil {
		d.Scorer = scoring.NewScorer()
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLogNotifier(d.Log)
	}
	return &Orchestrator{
		store:      d.Store,
		resolver:   d.Resolver,
		extractor:  d.Extractor,
		scorer:     d.Scorer,
		context:    d.Context,
		streamer:   d.Streamer,
		summarizer: d.Summarizer,
		notifier:   d.Notifier,
		metrics:    d.Metrics,
		log:        d.Log,
		opts:       opts,
		now:        time.Now,
	}
}

type turnPlan struct {
	req          TurnRequest
	write        store.TurnWrite
	prompt       llm.Prompt
	identity     identity.Action
	messageScore int
}

// HandleTurn validates and prepares the turn, then streams the reply. Errors
// returned here happen before anything is streamed or written. Cancelling
// ctx stops the upstream generation; the user's side of the turn is still
// saved but the partial reply is dropped.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (*TurnStream, error) {
	message := strings.TrimSpace(req.Message)
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidTurn)
	}
	if req.Introduce {
		message = introduceMessage
	} else if message == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidTurn)
	}
	if utf8.RuneCountInString(message) > MaxMessageLength {
		return nil, fmt.Errorf("%w: message longer than %d characters", ErrInvalidTurn, MaxMessageLength)
	}

	plan, err := o.prepare(ctx, req, message)
	if err != nil {
		return nil, err
	}

	tokens := make(chan string)
	results := make(chan TurnResult, 1)
	go o.run(ctx, plan, tokens, results)
	return &TurnStream{Tokens: tokens, Result: results}, nil
}

func (o *Orchestrator) prepare(ctx context.Context, req TurnRequest, message string) (*turnPlan, error) {
	log := o.log.With().Str("user_id", req.UserID).Logger()

	userID, err := o.store.ResolveUserID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	uc, err := o.store.GetUserContext(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load user context: %w", err)
	}

	conversationID := req.ConversationID
	var history []store.Message
	if conversationID != "" {
		conv, err := o.store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation: %w", err)
		}
		switch {
		case conv == nil:
			// client-chosen id, created by the turn write
		case !conv.Open() || conv.UserID != userID:
			conversationID = ""
		default:
			history, err = o.store.GetMessages(ctx, conversationID, o.opts.MaxHistoryTurns*2)
			if err != nil {
				return nil, fmt.Errorf("failed to load history: %w", err)
			}
		}
	}

	plan := &turnPlan{
		req:      req,
		identity: identity.ActionNone,
		write:    store.TurnWrite{UserID: userID, ConversationID: conversationID},
	}
	if !req.Introduce {
		plan.write.UserMessage = message
	}

	var pending *identity.PendingMatch
	if !req.Admin && !req.Introduce {
		knownName := ""
		if uc != nil && uc.User != nil {
			knownName = uc.User.Name
		}
		outcome, err := o.resolver.Resolve(ctx, identity.Turn{
			SessionID: req.UserID,
			UserID:    userID,
			KnownName: knownName,
			Message:   message,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve identity: %w", err)
		}
		plan.identity = outcome.Action
		pending = outcome.Pending
		o.metrics.IdentityOutcomes.WithLabelValues(string(outcome.Action)).Inc()

		profile := extract.ExtractProfile(message)
		// names only land through the resolver
		profile.Name = ""
		switch outcome.Action {
		case identity.ActionNameRecorded, identity.ActionAbandoned:
			profile.Name = outcome.Name
		case identity.ActionMerged:
			plan.write.MergeInto = outcome.MergeTarget
			merged, err := o.store.GetUserContext(ctx, outcome.MergeTarget, 0)
			if err != nil {
				return nil, fmt.Errorf("failed to load matched user: %w", err)
			}
			if merged != nil {
				uc = merged
			}
		}
		if !profile.Empty() {
			plan.write.Profile = store.ProfileUpdate{
				Name:       profile.Name,
				Email:      profile.Email,
				Phone:      profile.Phone,
				Company:    profile.Company,
				AuthMethod: store.AuthSoft,
			}
		}

		facts := o.extractor.Extract(message, priorQuestion(history))
		plan.write.Facts = facts
		plan.write.Interests = extract.Interests(message)
		for _, f := range facts {
			o.metrics.FactsExtractedTotal.WithLabelValues(string(f.Type)).Inc()
		}

		plan.messageScore = o.scorer.Score(message, knownFacts(uc, facts))
		plan.write.LeadScore = plan.messageScore
		log.Debug().
			Str("identity", string(outcome.Action)).
			Int("facts", len(facts)).
			Int("score", plan.messageScore).
			Msg("turn analysed")
	}

	var reference string
	if !req.Introduce {
		var chunks int
		reference, chunks = o.context.BuildCounted(ctx, message)
		o.metrics.RAGChunksIncluded.Observe(float64(chunks))
	}

	pages := req.PageTitles
	if len(pages) == 0 {
		if pages, err = o.store.RecentPageTitles(ctx, userID, recentPageCount); err != nil {
			log.Warn().Err(err).Msg("failed to load recent pages")
			pages = nil
		}
	}
	if len(pages) > recentPageCount {
		pages = pages[:recentPageCount]
	}

	plan.prompt = buildPrompt(promptInput{
		Message:    message,
		Reference:  reference,
		User:       uc,
		Returning:  uc != nil && (lastClosed(uc.RecentConversations) != nil || plan.write.MergeInto != ""),
		Pending:    pending,
		PageTitles: pages,
		History:    history,
		Admin:      req.Admin,
	})
	return plan, nil
}

// knownFacts is the stored fact set with this turn's observations folded in.
func knownFacts(uc *store.UserContext, observed []store.FactInput) map[store.FactType]store.Fact {
	known := map[store.FactType]store.Fact{}
	if uc != nil {
		known = uc.FactMap()
	}
	for _, f := range observed {
		if cur, ok := known[f.Type]; ok && cur.Confidence >= f.Confidence {
			continue
		}
		known[f.Type] = store.Fact{Type: f.Type, Value: f.Value, Confidence: f.Confidence, SourceText: f.SourceText}
	}
	return known
}

func (o *Orchestrator) run(ctx context.Context, p *turnPlan, tokens chan<- string, results chan<- TurnResult) {
	defer close(results)

	reply, failed, cancelled := o.relay(ctx, p.prompt, tokens)
	close(tokens)

	w := p.write
	if cancelled {
		w.SkipAssistant = true
	} else {
		w.AssistantMessage = strings.TrimSpace(reply)
		w.AssistantFailed = failed
	}

	// the client may be gone; the turn is still saved
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	res := TurnResult{
		UserID:         w.UserID,
		ConversationID: w.ConversationID,
		Identity:       p.identity,
		Reply:          w.AssistantMessage,
		Failed:         failed,
		Cancelled:      cancelled,
	}

	outcome := "ok"
	switch {
	case cancelled:
		outcome = "cancelled"
		o.metrics.StreamsCancelled.Inc()
	case failed:
		outcome = "llm_failed"
	}

	saved, err := o.store.ApplyTurn(pctx, w)
	if err != nil {
		o.log.Error().Err(err).Str("user_id", w.UserID).Str("conversation_id", w.ConversationID).Msg("failed to save turn")
		res.Err = fmt.Errorf("failed to save turn: %w", err)
		o.metrics.RecordTurn("store_failed", p.messageScore)
		results <- res
		return
	}

	res.UserID = saved.UserID
	res.ConversationID = saved.ConversationID
	res.LeadScore = saved.LeadScore
	res.Label = scoring.LabelFor(saved.LeadScore)
	o.metrics.RecordTurn(outcome, p.messageScore)

	if !p.req.Admin && !p.req.Introduce {
		o.notifyLead(pctx, p, saved)
	}
	results <- res
}

// relay forwards upstream tokens to out. A generation failure is answered
// with an apology, appended to whatever was already sent.
func (o *Orchestrator) relay(ctx context.Context, prompt llm.Prompt, out chan<- string) (reply string, failed, cancelled bool) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	upstream, errs := o.streamer.StreamChat(streamCtx, prompt)
	var b strings.Builder
	for tok := range upstream {
		select {
		case out <- tok:
			b.WriteString(tok)
		case <-ctx.Done():
			cancel()
			for range upstream {
			}
			return b.String(), false, true
		}
	}
	err := <-errs
	if ctx.Err() != nil {
		return b.String(), false, true
	}
	if err == nil {
		return b.String(), false, false
	}

	o.log.Error().Err(err).Msg("reply generation failed")
	o.metrics.LLMFailuresTotal.Inc()
	apology := apologyMessage
	if b.Len() > 0 {
		apology = "\n\n" + apologyMessage
	}
	select {
	case out <- apology:
		b.WriteString(apology)
		return b.String(), true, false
	case <-ctx.Done():
		return b.String(), false, true
	}
}

func (o *Orchestrator) notifyLead(ctx context.Context, p *turnPlan, saved *store.TurnResult) {
	threshold := o.opts.HotLeadThreshold
	var reason notify.Reason
	switch {
	case saved.LeadScore >= threshold && saved.PreviousLeadScore < threshold:
		reason = notify.ReasonHotLead
	case saved.NewEmail || saved.NewPhone:
		reason = notify.ReasonContactCaptured
	default:
		return
	}

	user, err := o.store.GetUser(ctx, saved.UserID)
	if err != nil || user == nil {
		o.log.Warn().Err(err).Str("user_id", saved.UserID).Msg("failed to load lead for notification")
		return
	}
	interests := p.write.Interests
	if conv, err := o.store.GetConversation(ctx, saved.ConversationID); err == nil && conv != nil {
		interests = conv.Interests
	}

	event := notify.LeadEvent{
		Reason:         reason,
		UserID:         user.ID,
		ConversationID: saved.ConversationID,
		Name:           user.Name,
		Email:          user.Email,
		Phone:          user.Phone,
		Company:        user.Company,
		LeadScore:      saved.LeadScore,
		Label:          string(scoring.LabelFor(saved.LeadScore)),
		Interests:      interests,
		Message:        p.write.UserMessage,
		OccurredAt:     o.now().UTC(),
	}
	if err := o.notifier.LeadCaptured(ctx, event); err != nil {
		o.log.Warn().Err(err).Str("user_id", user.ID).Str("reason", string(reason)).Msg("failed to publish lead event")
		o.metrics.LeadEventsTotal.WithLabelValues("error").Inc()
		return
	}
	o.metrics.LeadEventsTotal.WithLabelValues(string(reason)).Inc()
}
