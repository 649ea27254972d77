package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"blacksky.com/maurice/internal/auth"
	"blacksky.com/maurice/internal/core"
	"blacksky.com/maurice/internal/extract"
	"blacksky.com/maurice/internal/rag"
	"blacksky.com/maurice/internal/store"
)

// retryMessage is the only failure text chat clients ever see.
const retryMessage = "Sorry, something went wrong on my end. Please try again in a moment."

const maxBodyBytes = 1 << 20

type ctxKey string

const claimsKey ctxKey = "claims"

// Reloader refreshes the in-memory knowledge index after ingestion.
type Reloader interface {
	Reload(ctx context.Context) error
}

type Options struct {
	AdminPassword    string
	UserTokenTTL     time.Duration
	AdminTokenTTL    time.Duration
	HotLeadThreshold int
}

type APIHandler struct {
	orchestrator *core.Orchestrator
	store        *store.SQLiteStore
	tokens       *auth.TokenIssuer
	ingester     *rag.Ingester
	knowledge    Reloader
	opts         Options
	log          zerolog.Logger
}

func NewAPIHandler(o *core.Orchestrator, db *store.SQLiteStore, tokens *auth.TokenIssuer, ingester *rag.Ingester, knowledge Reloader, opts Options, log zerolog.Logger) *APIHandler {
	if opts.UserTokenTTL <= 0 {
		opts.UserTokenTTL = 30 * 24 * time.Hour
	}
	if opts.AdminTokenTTL <= 0 {
		opts.AdminTokenTTL = 12 * time.Hour
	}
	if opts.HotLeadThreshold <= 0 {
		opts.HotLeadThreshold = 4
	}
	return &APIHandler{
		orchestrator: o,
		store:        db,
		tokens:       tokens,
		ingester:     ingester,
		knowledge:    knowledge,
		opts:         opts,
		log:          log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// claims returns the validated token claims of the request, or nil.
func (h *APIHandler) claims(r *http.Request) *auth.Claims {
	if c, ok := r.Context().Value(claimsKey).(*auth.Claims); ok {
		return c
	}
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	c, err := h.tokens.Validate(token)
	if err != nil {
		return nil
	}
	return c
}

func (h *APIHandler) isAdmin(r *http.Request) bool {
	c := h.claims(r)
	return c != nil && c.Role == auth.RoleAdmin
}

// AdminAuthMiddleware lets through only requests bearing an admin token.
func (h *APIHandler) AdminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}
		c, err := h.tokens.Validate(token)
		if err != nil || c.Role != auth.RoleAdmin {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, c)))
	})
}

type ChatRequest struct {
	UserID         string   `json:"user_id"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message"`
	IsAdmin        bool     `json:"is_admin,omitempty"`
	Introduce      bool     `json:"introduce,omitempty"`
	PageTitles     []string `json:"page_titles,omitempty"`
}

func (h *APIHandler) turnRequest(r *http.Request, req ChatRequest) core.TurnRequest {
	return core.TurnRequest{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		// the flag alone is not trusted
		Admin:      req.IsAdmin && h.isAdmin(r),
		Introduce:  req.Introduce,
		PageTitles: req.PageTitles,
	}
}

type ChatResponse struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	LeadScore      int    `json:"lead_score"`
	Label          string `json:"label"`
	Identity       string `json:"identity"`
}

// ChatHandler runs a turn and returns the whole reply at once.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	stream, err := h.orchestrator.HandleTurn(r.Context(), h.turnRequest(r, req))
	if err != nil {
		h.turnError(w, req, err)
		return
	}
	res := stream.Collect()
	if res.Err != nil {
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		Reply:          res.Reply,
		ConversationID: res.ConversationID,
		UserID:         res.UserID,
		LeadScore:      res.LeadScore,
		Label:          string(res.Label),
		Identity:       string(res.Identity),
	})
}

func (h *APIHandler) turnError(w http.ResponseWriter, req ChatRequest, err error) {
	if errors.Is(err, core.ErrInvalidTurn) {
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), core.ErrInvalidTurn.Error()+": "))
		return
	}
	h.log.Error().Err(err).Str("user_id", req.UserID).Msg("failed to start turn")
	writeError(w, http.StatusInternalServerError, retryMessage)
}

type EndConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (h *APIHandler) EndConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req EndConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	conv, err := h.orchestrator.EndConversation(r.Context(), req.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		h.log.Error().Err(err).Str("conversation_id", req.ConversationID).Msg("failed to end conversation")
		writeError(w, http.StatusInternalServerError, "Failed to end conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type UpdateUserRequest struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

// UpdateUserHandler records identity details the visitor typed into the
// widget. They become a soft identity.
func (h *APIHandler) UpdateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	update := store.ProfileUpdate{
		Name:       strings.TrimSpace(req.Name),
		Company:    strings.TrimSpace(req.Company),
		AuthMethod: store.AuthSoft,
	}
	if req.Email != "" {
		if update.Email = extract.ExtractEmail(req.Email); update.Email == "" {
			writeError(w, http.StatusBadRequest, "Invalid email address")
			return
		}
	}
	if req.Phone != "" {
		if update.Phone = extract.ExtractPhone(req.Phone); update.Phone == "" {
			writeError(w, http.StatusBadRequest, "Invalid phone number")
			return
		}
	}

	user, err := h.store.UpdateProfile(r.Context(), req.UserID, update)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", req.UserID).Msg("failed to update user")
		writeError(w, http.StatusInternalServerError, "Failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *APIHandler) UserContextHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	uc, err := h.store.GetUserContext(r.Context(), userID, 0)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to load user context")
		writeError(w, http.StatusInternalServerError, "Failed to load user context")
		return
	}
	if uc == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, uc)
}

type LookupRequest struct {
	Name          string `json:"name"`
	ExcludeUserID string `json:"exclude_user_id,omitempty"`
}

func (h *APIHandler) LookupUserHandler(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	matches, err := h.store.LookupByName(r.Context(), req.Name, req.ExcludeUserID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to look up user")
		writeError(w, http.StatusInternalServerError, "Failed to look up user")
		return
	}
	if matches == nil {
		matches = []store.UserMatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

type PageViewRequest struct {
	UserID string `json:"user_id"`
	Path   string `json:"path"`
	Title  string `json:"title,omitempty"`
}

func (h *APIHandler) PageViewHandler(w http.ResponseWriter, r *http.Request) {
	var req PageViewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "user_id and path are required")
		return
	}

	pv, err := h.store.RecordPageView(r.Context(), req.UserID, req.Path, req.Title)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", req.UserID).Msg("failed to record page view")
		writeError(w, http.StatusInternalServerError, "Failed to record page view")
		return
	}
	writeJSON(w, http.StatusCreated, pv)
}

type RegisterRequest struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user,omitempty"`
}

// RegisterHandler upgrades the visitor to a verified account.
func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email := extract.ExtractEmail(req.Email)
	if req.UserID == "" || email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "user_id, a valid email and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.store.SetCredentials(r.Context(), req.UserID, email, strings.TrimSpace(req.Name), hash)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "An account with this email already exists")
			return
		}
		h.log.Error().Err(err).Str("user_id", req.UserID).Msg("failed to register user")
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	h.issueUserToken(w, http.StatusCreated, user)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// UserID is the visitor id of the browser logging in; its anonymous
	// history is folded into the account.
	UserID string `json:"user_id,omitempty"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, err := h.store.GetVerifiedUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load account")
		writeError(w, http.StatusInternalServerError, "Failed to log in")
		return
	}
	if user == nil || auth.CheckPasswordHash(req.Password, user.PasswordHash) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	if req.UserID != "" && req.UserID != user.ID {
		canonical, err := h.store.ResolveUserID(r.Context(), req.UserID)
		if err == nil && canonical != user.ID {
			if visitor, _ := h.store.GetUser(r.Context(), canonical); visitor != nil {
				if err := h.store.MergeUsers(r.Context(), canonical, user.ID); err != nil {
					h.log.Warn().Err(err).Str("user_id", canonical).Msg("failed to link visitor to account")
				}
			}
		}
	}

	h.issueUserToken(w, http.StatusOK, user)
}

func (h *APIHandler) issueUserToken(w http.ResponseWriter, status int, user *store.User) {
	token, err := h.tokens.Generate(user.ID, auth.RoleUser, h.opts.UserTokenTTL)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to generate token")
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, status, TokenResponse{Token: token, User: user})
}

// VerifyHandler returns the account behind a user token.
func (h *APIHandler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	c := h.claims(r)
	if c == nil || c.Role != auth.RoleUser {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	user, err := h.store.GetUser(r.Context(), c.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load account")
		return
	}
	if user == nil || !user.Active {
		writeError(w, http.StatusUnauthorized, "Account no longer exists")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "user": user})
}

type AdminLoginRequest struct {
	Password string `json:"password"`
}

func (h *APIHandler) AdminLoginHandler(w http.ResponseWriter, r *http.Request) {
	var req AdminLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if auth.CheckAdminPassword(req.Password, h.opts.AdminPassword) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	token, err := h.tokens.Generate("admin", auth.RoleAdmin, h.opts.AdminTokenTTL)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to generate admin token")
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
