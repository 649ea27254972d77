package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"blacksky.com/maurice/internal/identity"
	"blacksky.com/maurice/internal/llm"
	"blacksky.com/maurice/internal/metrics"
	"blacksky.com/maurice/internal/notify"
	"blacksky.com/maurice/internal/rag"
	"blacksky.com/maurice/internal/scoring"
	"blacksky.com/maurice/internal/store"
)

type scriptedStreamer struct {
	mu      sync.Mutex
	tokens  []string
	err     error
	block   bool // wait for cancellation after the tokens
	prompts []llm.Prompt
}

func (s *scriptedStreamer) StreamChat(ctx context.Context, p llm.Prompt) (<-chan string, <-chan error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, p)
	tokens, err, block := s.tokens, s.err, s.block
	s.mu.Unlock()

	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, t := range tokens {
			select {
			case out <- t:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if block {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if err != nil {
			errs <- err
		}
	}()
	return out, errs
}

func (s *scriptedStreamer) lastPrompt() llm.Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[len(s.prompts)-1]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.LeadEvent
}

func (n *recordingNotifier) LeadCaptured(_ context.Context, e notify.LeadEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) all() []notify.LeadEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.LeadEvent(nil), n.events...)
}

type fixedSummarizer struct {
	summary string
	err     error
}

func (f fixedSummarizer) Summarize(context.Context, string) (string, error) {
	return f.summary, f.err
}

type staticSearcher []rag.Result

func (s staticSearcher) Search(context.Context, string, int) ([]rag.Result, error) {
	return s, nil
}

type harness struct {
	o        *Orchestrator
	db       *store.SQLiteStore
	stream   *scriptedStreamer
	notes    *recordingNotifier
	resolver *identity.Resolver
}

func newHarness(t *testing.T, summarizer llm.Summarizer) *harness {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "maurice.db"), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:       db,
		stream:   &scriptedStreamer{tokens: []string{"Happy", " to help."}},
		notes:    &recordingNotifier{},
		resolver: identity.NewResolver(db, identity.NewMemorySessions(time.Hour), zerolog.Nop()),
	}
	searcher := staticSearcher{{Text: "Blacksky has delivered systems for Treasury.", Score: 0.9, SourceID: "about.md"}}
	h.o = NewOrchestrator(Deps{
		Store:      db,
		Resolver:   h.resolver,
		Context:    rag.NewContextBuilder(searcher, 3, 2000, zerolog.Nop()),
		Streamer:   h.stream,
		Summarizer: summarizer,
		Notifier:   h.notes,
		Metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
		Log:        zerolog.Nop(),
	}, Options{MaxHistoryTurns: 4, HotLeadThreshold: 4, IdleAfter: 30 * time.Minute})
	return h
}

func (h *harness) turn(t *testing.T, req TurnRequest) TurnResult {
	t.Helper()
	stream, err := h.o.HandleTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleTurn(%q): %v", req.Message, err)
	}
	res := stream.Collect()
	if res.Err != nil {
		t.Fatalf("turn not saved: %v", res.Err)
	}
	return res
}

func TestHandleTurn_RejectsMalformedInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, req := range []TurnRequest{
		{UserID: "visitor-1", Message: "   "},
		{UserID: "", Message: "hello"},
		{UserID: "visitor-1", Message: strings.Repeat("a", MaxMessageLength+1)},
	} {
		if _, err := h.o.HandleTurn(ctx, req); !errors.Is(err, ErrInvalidTurn) {
			t.Errorf("HandleTurn(%+v) err = %v, want ErrInvalidTurn", req.UserID, err)
		}
	}
	if u, _ := h.db.GetUser(ctx, "visitor-1"); u != nil {
		t.Fatal("rejected turn created a user")
	}
	if len(h.stream.prompts) != 0 {
		t.Fatal("rejected turn reached the model")
	}
}

func TestHandleTurn_IntroductionWithPricing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.turn(t, TurnRequest{UserID: "visitor-1", Message: "Hi, I'm John from Acme, what's your pricing?"})

	if res.Reply != "Happy to help." {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.LeadScore < 4 || res.Label != scoring.LabelHot {
		t.Errorf("lead score = %d (%s), want hot", res.LeadScore, res.Label)
	}
	if res.Identity != identity.ActionNameRecorded {
		t.Errorf("identity = %s", res.Identity)
	}

	user, err := h.db.GetUser(ctx, "visitor-1")
	if err != nil || user == nil {
		t.Fatalf("user not saved: %v", err)
	}
	if user.Name != "John" || user.Company != "Acme" || user.AuthMethod != store.AuthSoft {
		t.Errorf("user = %+v", user)
	}

	msgs, err := h.db.GetMessages(ctx, res.ConversationID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != store.RoleUser || msgs[1].Content != "Happy to help." {
		t.Fatalf("messages = %+v", msgs)
	}

	prompt := h.stream.lastPrompt()
	if !strings.Contains(prompt.System, "Treasury") {
		t.Error("reference block missing from prompt")
	}
	if prompt.User != "Hi, I'm John from Acme, what's your pricing?" {
		t.Errorf("prompt user = %q", prompt.User)
	}

	events := h.notes.all()
	if len(events) != 1 || events[0].Reason != notify.ReasonHotLead || events[0].Company != "Acme" {
		t.Fatalf("events = %+v", events)
	}
}

func TestHandleTurn_ConfirmedMatchMerges(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.db.UpdateProfile(ctx, "john-smith", store.ProfileUpdate{Name: "John Smith"}); err != nil {
		t.Fatal(err)
	}

	first := h.turn(t, TurnRequest{UserID: "visitor-2", Message: "I'm John"})
	if first.Identity != identity.ActionMatchProposed {
		t.Fatalf("identity = %s, want match proposed", first.Identity)
	}
	if st, _ := h.resolver.State(ctx, "visitor-2"); st != identity.StateAwaitingConfirmation {
		t.Fatalf("state = %s", st)
	}
	if p := h.stream.lastPrompt(); !strings.Contains(p.System, "POTENTIAL MATCHES") || !strings.Contains(p.System, "John Smith") {
		t.Fatalf("prompt lacks the candidate:\n%s", p.System)
	}
	if u, _ := h.db.GetUser(ctx, "visitor-2"); u.Name != "" {
		t.Fatalf("name recorded before confirmation: %q", u.Name)
	}

	second := h.turn(t, TurnRequest{UserID: "visitor-2", ConversationID: first.ConversationID, Message: "yes, that's me"})
	if second.Identity != identity.ActionMerged || second.UserID != "john-smith" {
		t.Fatalf("second turn = %+v", second)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation changed from %s to %s", first.ConversationID, second.ConversationID)
	}
	if st, _ := h.resolver.State(ctx, "visitor-2"); st != identity.StateIdle {
		t.Fatalf("state after merge = %s", st)
	}
	if id, _ := h.db.ResolveUserID(ctx, "visitor-2"); id != "john-smith" {
		t.Fatalf("visitor resolves to %q", id)
	}
	conv, _ := h.db.GetConversation(ctx, first.ConversationID)
	if conv.UserID != "john-smith" {
		t.Fatalf("conversation owner = %q", conv.UserID)
	}
}

func TestHandleTurn_UnrelatedReplyAbandonsMatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.db.UpdateProfile(ctx, "john-smith", store.ProfileUpdate{Name: "John Smith"}); err != nil {
		t.Fatal(err)
	}

	first := h.turn(t, TurnRequest{UserID: "visitor-3", Message: "I'm John"})
	second := h.turn(t, TurnRequest{UserID: "visitor-3", ConversationID: first.ConversationID, Message: "I'm actually looking for pricing"})

	if second.Identity != identity.ActionAbandoned {
		t.Fatalf("identity = %s, want abandoned", second.Identity)
	}
	if second.UserID != "visitor-3" {
		t.Fatalf("user = %q, want the visitor", second.UserID)
	}
	if st, _ := h.resolver.State(ctx, "visitor-3"); st != identity.StateIdle {
		t.Fatalf("state = %s", st)
	}
	u, _ := h.db.GetUser(ctx, "visitor-3")
	if u.Name != "John" || !u.Active {
		t.Fatalf("visitor = %+v", u)
	}
}

func TestHandleTurn_LeadScoreKeepsMaximum(t *testing.T) {
	h := newHarness(t, nil)
	messages := []string{
		"Hello there",
		"Can you help with a project?",
		"Tell me about your services",
		"What would a quote and pricing look like?",
		"Thanks, bye",
	}

	conv := ""
	prev := 0
	for i, m := range messages {
		res := h.turn(t, TurnRequest{UserID: "visitor-4", ConversationID: conv, Message: m})
		conv = res.ConversationID
		if res.LeadScore < prev {
			t.Fatalf("turn %d: score dropped from %d to %d", i+1, prev, res.LeadScore)
		}
		prev = res.LeadScore
	}
	if prev != 5 {
		t.Fatalf("final score = %d, want 5", prev)
	}
}

func TestHandleTurn_GenerationFailureApologizes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.stream.tokens, h.stream.err = nil, errors.New("model unavailable")

	stream, err := h.o.HandleTurn(ctx, TurnRequest{UserID: "visitor-5", Message: "What do you build?"})
	if err != nil {
		t.Fatal(err)
	}
	var got strings.Builder
	for tok := range stream.Tokens {
		got.WriteString(tok)
	}
	res := <-stream.Result
	if got.String() != apologyMessage || !res.Failed || res.Err != nil {
		t.Fatalf("streamed %q, result %+v", got.String(), res)
	}

	msgs, _ := h.db.GetMessages(ctx, res.ConversationID, 10)
	if len(msgs) != 2 || !msgs[1].Failed {
		t.Fatalf("messages = %+v", msgs)
	}

	h.stream.tokens, h.stream.err = []string{"We build software."}, nil
	h.turn(t, TurnRequest{UserID: "visitor-5", ConversationID: res.ConversationID, Message: "Hello again"})
	if hist := h.stream.lastPrompt().History; len(hist) != 0 {
		t.Fatalf("failed exchange leaked into history: %+v", hist)
	}
}

func TestHandleTurn_DisconnectDropsPartialReply(t *testing.T) {
	h := newHarness(t, nil)
	h.stream.tokens, h.stream.block = []string{"Hello", " world"}, true

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := h.o.HandleTurn(ctx, TurnRequest{UserID: "visitor-6", Message: "Tell me about Blacksky"})
	if err != nil {
		t.Fatal(err)
	}
	<-stream.Tokens
	cancel()
	res := stream.Collect()

	if !res.Cancelled || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	msgs, _ := h.db.GetMessages(context.Background(), res.ConversationID, 10)
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestHandleTurn_AdminTurnIsNotScored(t *testing.T) {
	h := newHarness(t, nil)
	res := h.turn(t, TurnRequest{UserID: "staff", Message: "What's your pricing? My budget is $50k", Admin: true})
	if res.LeadScore != 1 {
		t.Fatalf("admin lead score = %d", res.LeadScore)
	}
	if len(h.notes.all()) != 0 {
		t.Fatal("admin turn notified")
	}
	uc, _ := h.db.GetUserContext(context.Background(), "staff", 0)
	if len(uc.Facts) != 0 {
		t.Fatalf("admin facts stored: %+v", uc.Facts)
	}
	if !strings.Contains(h.stream.lastPrompt().System, "ADMIN MODE") {
		t.Fatal("admin note missing")
	}
}

func TestHandleTurn_NewEmailNotifies(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, TurnRequest{UserID: "visitor-7", Message: "You can reach me at jane@example.com"})

	events := h.notes.all()
	if len(events) != 1 || events[0].Reason != notify.ReasonContactCaptured || events[0].Email != "jane@example.com" {
		t.Fatalf("events = %+v", events)
	}
}

func TestHandleTurn_FactsAreStored(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, TurnRequest{UserID: "visitor-8", Message: "I'm the CTO and our budget is $100k - $200k"})

	uc, err := h.db.GetUserContext(context.Background(), "visitor-8", 0)
	if err != nil {
		t.Fatal(err)
	}
	facts := uc.FactMap()
	if _, ok := facts[store.FactRole]; !ok {
		t.Errorf("role not stored: %+v", uc.Facts)
	}
	if f, ok := facts[store.FactBudget]; !ok || f.Confidence < 0.8 {
		t.Errorf("budget = %+v", f)
	}
}

func TestHandleTurn_ReturningUserContext(t *testing.T) {
	h := newHarness(t, fixedSummarizer{summary: "Asked about cloud migration pricing."})
	ctx := context.Background()

	first := h.turn(t, TurnRequest{UserID: "visitor-9", Message: "How much does a cloud migration cost?"})
	if _, err := h.o.EndConversation(ctx, first.ConversationID); err != nil {
		t.Fatal(err)
	}

	second := h.turn(t, TurnRequest{UserID: "visitor-9", Message: "What did we discuss last time?"})
	if second.ConversationID == first.ConversationID {
		t.Fatal("closed conversation was reused")
	}
	sys := h.stream.lastPrompt().System
	if !strings.Contains(sys, "Previous conversation: Asked about cloud migration pricing.") {
		t.Fatalf("summary missing from prompt:\n%s", sys)
	}
	if !strings.Contains(sys, "Previous interests: cloud & devops, pricing") {
		t.Fatalf("interests missing from prompt:\n%s", sys)
	}
}
