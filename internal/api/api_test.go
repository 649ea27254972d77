package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"blacksky.com/maurice/internal/auth"
	"blacksky.com/maurice/internal/core"
	"blacksky.com/maurice/internal/identity"
	"blacksky.com/maurice/internal/llm"
	"blacksky.com/maurice/internal/logger"
	"blacksky.com/maurice/internal/metrics"
	"blacksky.com/maurice/internal/notify"
	"blacksky.com/maurice/internal/rag"
	"blacksky.com/maurice/internal/store"
)

const adminPassword = "correct horse battery"

type echoStreamer struct{ tokens []string }

func (e echoStreamer) StreamChat(ctx context.Context, _ llm.Prompt) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, t := range e.tokens {
			select {
			case out <- t:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return out, errs
}

type noSearch struct{}

func (noSearch) Search(context.Context, string, int) ([]rag.Result, error) { return nil, nil }

type testServer struct {
	handler http.Handler
	db      *store.SQLiteStore
	tokens  *auth.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	o := core.NewOrchestrator(core.Deps{
		Store:    db,
		Resolver: identity.NewResolver(db, identity.NewMemorySessions(time.Hour), zerolog.Nop()),
		Context:  rag.NewContextBuilder(noSearch{}, 3, 2000, zerolog.Nop()),
		Streamer: echoStreamer{tokens: []string{"Hello", " there."}},
		Notifier: notify.NewLogNotifier(zerolog.Nop()),
		Metrics:  m,
		Log:      zerolog.Nop(),
	}, core.Options{})

	tokens := auth.NewTokenIssuer("test-secret")
	h := NewAPIHandler(o, db, tokens, nil, nil, Options{AdminPassword: adminPassword}, zerolog.Nop())
	return &testServer{
		handler: NewRouter(h, RouterConfig{CORSOrigins: []string{"*"}, Log: logger.Nop(), Metrics: m, Gatherer: reg}),
		db:      db,
		tokens:  tokens,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) adminToken(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/admin/login", AdminLoginRequest{Password: adminPassword}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("admin login: %d %s", rec.Code, rec.Body)
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Token
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/health", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body)
	}
}

func TestChatStream(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/chat/stream", ChatRequest{UserID: "visitor-1", Message: "What's your pricing?"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var frames []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(frames) != 4 {
		t.Fatalf("frames = %q", frames)
	}
	if frames[0] != `{"token":"Hello"}` || frames[1] != `{"token":" there."}` || frames[3] != "[DONE]" {
		t.Fatalf("frames = %q", frames)
	}
	var done doneFrame
	if err := json.Unmarshal([]byte(frames[2]), &done); err != nil {
		t.Fatal(err)
	}
	if !done.Done || done.ConversationID == "" || done.UserID != "visitor-1" || done.LeadScore < 4 || done.Label != "hot" {
		t.Fatalf("done frame = %+v", done)
	}

	conv, err := s.db.GetConversation(context.Background(), done.ConversationID)
	if err != nil || conv == nil {
		t.Fatalf("conversation not stored: %v", err)
	}
	msgs, _ := s.db.GetMessages(context.Background(), conv.ID, 10)
	if len(msgs) != 2 || msgs[1].Content != "Hello there." {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestChat_RejectsMalformedTurn(t *testing.T) {
	s := newTestServer(t)
	for _, req := range []ChatRequest{
		{UserID: "", Message: "hi"},
		{UserID: "visitor-1", Message: "   "},
		{UserID: "visitor-1", Message: strings.Repeat("x", core.MaxMessageLength+1)},
	} {
		rec := s.do(t, http.MethodPost, "/api/chat", req, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%+v: status = %d", req.UserID, rec.Code)
		}
	}
}

func TestChat_Collected(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/chat", ChatRequest{UserID: "visitor-2", Message: "hello"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reply != "Hello there." || resp.LeadScore != 1 || resp.Label != "cool" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/api/admin/leads", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	userToken, _ := s.tokens.Generate("visitor-1", auth.RoleUser, time.Hour)
	if rec := s.do(t, http.MethodGet, "/api/admin/leads", nil, userToken); rec.Code != http.StatusUnauthorized {
		t.Fatalf("user token: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/admin/login", AdminLoginRequest{Password: "nope"}, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", rec.Code)
	}
}

func TestAdminLeads(t *testing.T) {
	s := newTestServer(t)
	token := s.adminToken(t)

	s.do(t, http.MethodPost, "/api/chat", ChatRequest{UserID: "hot-1", Message: "Can we get a quote and schedule a call?"}, "")
	s.do(t, http.MethodPost, "/api/chat", ChatRequest{UserID: "cool-1", Message: "hello"}, "")

	rec := s.do(t, http.MethodGet, "/api/admin/leads?min_score=4", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("leads: %d %s", rec.Code, rec.Body)
	}
	var resp struct {
		Leads []store.Lead `json:"leads"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Leads) != 1 || resp.Leads[0].User.ID != "hot-1" {
		t.Fatalf("leads = %+v", resp.Leads)
	}

	rec = s.do(t, http.MethodPatch, "/api/admin/leads/hot-1", UpdateLeadRequest{Status: "contacted"}, token)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"contacted"`) {
		t.Fatalf("update lead: %d %s", rec.Code, rec.Body)
	}
	if rec := s.do(t, http.MethodPatch, "/api/admin/leads/hot-1", UpdateLeadRequest{Status: "won"}, token); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPatch, "/api/admin/leads/nobody", UpdateLeadRequest{Status: "new"}, token); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user: %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/admin/leads/export", nil, token)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("export: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "user_id,name,email") {
		t.Fatalf("csv = %q", lines)
	}
}

func TestAdminJourneyAndHandoff(t *testing.T) {
	s := newTestServer(t)
	token := s.adminToken(t)

	s.do(t, http.MethodPost, "/api/track/pageview", PageViewRequest{UserID: "lead-1", Path: "/services", Title: "Services"}, "")
	s.do(t, http.MethodPost, "/api/chat", ChatRequest{UserID: "lead-1", Message: "Can we get a quote and schedule a call?"}, "")

	rec := s.do(t, http.MethodGet, "/api/admin/users/lead-1/journey", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("journey: %d %s", rec.Code, rec.Body)
	}
	var journey struct {
		Journey    []store.JourneyEvent `json:"journey"`
		EventCount int                  `json:"event_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &journey); err != nil {
		t.Fatal(err)
	}
	if journey.EventCount != len(journey.Journey) || journey.EventCount < 3 {
		t.Fatalf("journey = %+v", journey)
	}
	if rec := s.do(t, http.MethodGet, "/api/admin/users/nobody/journey", nil, token); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown journey: %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/admin/leads/lead-1/handoff", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("handoff: %d %s", rec.Code, rec.Body)
	}
	var pkg struct {
		User          store.User `json:"user"`
		IntentSignals []string   `json:"intent_signals"`
		Label         string     `json:"label"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pkg); err != nil {
		t.Fatal(err)
	}
	if pkg.User.ID != "lead-1" || pkg.Label != "hot" || strings.Join(pkg.IntentSignals, ",") != "quote,schedule a call" {
		t.Fatalf("handoff = %+v", pkg)
	}
	if rec := s.do(t, http.MethodGet, "/api/admin/leads/nobody/handoff", nil, token); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown handoff: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/admin/leads/lead-1/handoff", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("handoff without token: %d", rec.Code)
	}
}

func TestAdminAnalyticsAndSearch(t *testing.T) {
	s := newTestServer(t)
	token := s.adminToken(t)

	s.do(t, http.MethodPost, "/api/chat", ChatRequest{UserID: "hot-1", Message: "What's your pricing for a mobile app?"}, "")
	s.do(t, http.MethodPost, "/api/chat", ChatRequest{UserID: "cool-1", Message: "hello"}, "")

	rec := s.do(t, http.MethodGet, "/api/admin/analytics", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("analytics: %d %s", rec.Code, rec.Body)
	}
	var a store.Analytics
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.TotalLeads != 2 || a.HotLeads != 1 || a.ConversationsThisWeek != 2 {
		t.Fatalf("analytics = %+v", a)
	}

	if rec := s.do(t, http.MethodGet, "/api/admin/facts?type=favorite_color", nil, token); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid fact type: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/admin/users", nil, token); rec.Code != http.StatusBadRequest {
		t.Fatalf("users without a filter: %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/admin/conversations/hot-1", nil, token)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"lead_score":4`) {
		t.Fatalf("conversations: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodGet, "/api/admin/documents", nil, token)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"documents":[]`) {
		t.Fatalf("documents: %d %s", rec.Code, rec.Body)
	}
	if rec := s.do(t, http.MethodPost, "/api/admin/documents", IngestRequest{SourceID: "a.md", Content: "x"}, token); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ingest without ingester: %d", rec.Code)
	}
}

func TestRegisterLoginVerify(t *testing.T) {
	s := newTestServer(t)

	body := RegisterRequest{UserID: "visitor-9", Email: "dana@initech.com", Name: "Dana", Password: "hunter2hunter2"}
	rec := s.do(t, http.MethodPost, "/api/auth/register", body, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	body.UserID = "visitor-10"
	if rec := s.do(t, http.MethodPost, "/api/auth/register", body, ""); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register: %d", rec.Code)
	}

	if rec := s.do(t, http.MethodPost, "/api/auth/login", LoginRequest{Email: "dana@initech.com", Password: "wrong-password"}, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: %d", rec.Code)
	}

	s.do(t, http.MethodPost, "/api/chat", ChatRequest{UserID: "laptop-2", Message: "hello"}, "")
	rec = s.do(t, http.MethodPost, "/api/auth/login", LoginRequest{Email: "dana@initech.com", Password: "hunter2hunter2", UserID: "laptop-2"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.User == nil || resp.User.ID != "visitor-9" {
		t.Fatalf("login user = %+v", resp.User)
	}
	if canonical, _ := s.db.ResolveUserID(context.Background(), "laptop-2"); canonical != "visitor-9" {
		t.Fatalf("visitor not linked: %q", canonical)
	}

	rec = s.do(t, http.MethodGet, "/api/auth/verify", nil, resp.Token)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dana@initech.com") {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body)
	}
}

func TestUpdateUserAndContext(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, http.MethodPost, "/api/user/update", UpdateUserRequest{UserID: "v1", Email: "not-an-email"}, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid email: %d", rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/api/user/update", UpdateUserRequest{UserID: "v1", Name: "Sam Lowry", Company: "Central Services"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodGet, "/api/user/v1/context", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Central Services") {
		t.Fatalf("context: %d %s", rec.Code, rec.Body)
	}
	if rec := s.do(t, http.MethodGet, "/api/user/ghost/context", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user: %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/user/lookup", LookupRequest{Name: "Sam"}, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Sam Lowry") {
		t.Fatalf("lookup: %d %s", rec.Code, rec.Body)
	}
}

func TestPageViewAndEndConversation(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, http.MethodPost, "/api/track/pageview", PageViewRequest{UserID: "v2"}, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing path: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/track/pageview", PageViewRequest{UserID: "v2", Path: "/services", Title: "Services"}, ""); rec.Code != http.StatusCreated {
		t.Fatalf("pageview: %d", rec.Code)
	}

	rec := s.do(t, http.MethodPost, "/api/chat", ChatRequest{UserID: "v2", Message: "hello"}, "")
	var chat ChatResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &chat)

	rec = s.do(t, http.MethodPost, "/api/conversation/end", EndConversationRequest{ConversationID: chat.ConversationID}, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ended_at") {
		t.Fatalf("end: %d %s", rec.Code, rec.Body)
	}
	if rec := s.do(t, http.MethodPost, "/api/conversation/end", EndConversationRequest{ConversationID: "missing"}, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/api/health", nil, "")
	rec := s.do(t, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}
