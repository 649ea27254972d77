package api

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"blacksky.com/maurice/internal/store"
)

func (h *APIHandler) leadsFromQuery(w http.ResponseWriter, r *http.Request) ([]store.Lead, bool) {
	minScore := 0
	if v := r.URL.Query().Get("min_score"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 5 {
			writeError(w, http.StatusBadRequest, "min_score must be between 0 and 5")
			return nil, false
		}
		minScore = n
	}
	var status store.LeadStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := store.ParseLeadStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		status = st
	}

	leads, err := h.store.GetLeads(r.Context(), minScore, status)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list leads")
		writeError(w, http.StatusInternalServerError, "Failed to list leads")
		return nil, false
	}
	if leads == nil {
		leads = []store.Lead{}
	}
	return leads, true
}

func (h *APIHandler) LeadsHandler(w http.ResponseWriter, r *http.Request) {
	leads, ok := h.leadsFromQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": leads})
}

// ExportLeadsHandler writes the same listing as LeadsHandler as CSV.
func (h *APIHandler) ExportLeadsHandler(w http.ResponseWriter, r *http.Request) {
	leads, ok := h.leadsFromQuery(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="leads-`+time.Now().UTC().Format("2006-01-02")+`.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"user_id", "name", "email", "phone", "company", "status", "lead_score", "interests", "conversations", "last_conversation_at", "last_summary"})
	for _, l := range leads {
		last := ""
		if l.LastConversation != nil {
			last = l.LastConversation.UTC().Format(time.RFC3339)
		}
		_ = cw.Write([]string{
			l.User.ID,
			l.User.Name,
			l.User.Email,
			l.User.Phone,
			l.User.Company,
			string(l.User.Status),
			strconv.Itoa(l.LeadScore),
			strings.Join(l.Interests, "; "),
			strconv.Itoa(l.Conversations),
			last,
			l.LastSummary,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.log.Warn().Err(err).Msg("lead export interrupted")
	}
}

type UpdateLeadRequest struct {
	Status string  `json:"status"`
	Notes  *string `json:"notes,omitempty"`
}

func (h *APIHandler) UpdateLeadHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req UpdateLeadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := store.ParseLeadStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpdateLeadStatus(r.Context(), userID, status, req.Notes); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to update lead")
		writeError(w, http.StatusInternalServerError, "Failed to update lead")
		return
	}
	user, err := h.store.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *APIHandler) AnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.Analytics(r.Context(), h.opts.HotLeadThreshold)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to compute analytics")
		writeError(w, http.StatusInternalServerError, "Failed to compute analytics")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// SearchFactsHandler finds users by fact, e.g. ?type=budget&q=100k.
func (h *APIHandler) SearchFactsHandler(w http.ResponseWriter, r *http.Request) {
	factType, err := store.ParseFactType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	matches, err := h.store.SearchByFact(r.Context(), factType, r.URL.Query().Get("q"))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to search facts")
		writeError(w, http.StatusInternalServerError, "Failed to search facts")
		return
	}
	if matches == nil {
		matches = []store.FactMatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// FindUsersHandler looks users up by exactly one of email, company or name.
func (h *APIHandler) FindUsersHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	switch {
	case q.Get("email") != "":
		user, err := h.store.LookupByEmail(ctx, q.Get("email"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to look up user")
			return
		}
		users := []store.User{}
		if user != nil {
			users = append(users, *user)
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case q.Get("company") != "":
		users, err := h.store.LookupByCompany(ctx, q.Get("company"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to look up users")
			return
		}
		if users == nil {
			users = []store.User{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case q.Get("name") != "":
		matches, err := h.store.LookupByName(ctx, q.Get("name"), "")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to look up users")
			return
		}
		if matches == nil {
			matches = []store.UserMatch{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
	default:
		writeError(w, http.StatusBadRequest, "One of email, company or name is required")
	}
}

type LinkUsersRequest struct {
	FromUserID   string `json:"from_user_id"`
	TargetUserID string `json:"target_user_id"`
}

// LinkUsersHandler merges two records an admin knows to be the same person.
func (h *APIHandler) LinkUsersHandler(w http.ResponseWriter, r *http.Request) {
	var req LinkUsersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FromUserID == "" || req.TargetUserID == "" || req.FromUserID == req.TargetUserID {
		writeError(w, http.StatusBadRequest, "Two distinct user ids are required")
		return
	}

	if err := h.store.MergeUsers(r.Context(), req.FromUserID, req.TargetUserID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.log.Error().Err(err).Str("from", req.FromUserID).Str("target", req.TargetUserID).Msg("failed to link users")
		writeError(w, http.StatusInternalServerError, "Failed to link users")
		return
	}
	uc, err := h.store.GetUserContext(r.Context(), req.TargetUserID, 0)
	if err != nil || uc == nil {
		writeJSON(w, http.StatusOK, map[string]string{"user_id": req.TargetUserID})
		return
	}
	writeJSON(w, http.StatusOK, uc)
}

func (h *APIHandler) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 100)
		}
	}
	convs, err := h.store.GetConversationHistory(r.Context(), userID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to load conversations")
		writeError(w, http.StatusInternalServerError, "Failed to load conversations")
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// JourneyHandler returns a user's timeline, newest first.
func (h *APIHandler) JourneyHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := store.DefaultJourneyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 500)
		}
	}
	events, err := h.store.GetUserJourney(r.Context(), userID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to load journey")
		writeError(w, http.StatusInternalServerError, "Failed to load journey")
		return
	}
	if events == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"journey": events, "event_count": len(events)})
}

func (h *APIHandler) HandoffHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	pkg, err := h.orchestrator.Handoff(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to build handoff")
		writeError(w, http.StatusInternalServerError, "Failed to build handoff")
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (h *APIHandler) DocumentsHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := h.store.ListDocumentSources(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list documents")
		writeError(w, http.StatusInternalServerError, "Failed to list documents")
		return
	}
	if docs == nil {
		docs = []store.DocumentSource{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

type IngestRequest struct {
	SourceID string `json:"source_id"`
	Content  string `json:"content"`
}

// IngestDocumentHandler replaces one knowledge document and refreshes the
// search index.
func (h *APIHandler) IngestDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if h.ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "Ingestion is not configured")
		return
	}
	var req IngestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SourceID) == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "source_id and content are required")
		return
	}

	n, err := h.ingester.IngestDocument(r.Context(), req.SourceID, req.Content)
	if err != nil {
		h.log.Error().Err(err).Str("source_id", req.SourceID).Msg("failed to ingest document")
		writeError(w, http.StatusBadGateway, "Failed to ingest document")
		return
	}
	if h.knowledge != nil {
		if err := h.knowledge.Reload(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("failed to reload knowledge index")
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"source_id": req.SourceID, "chunks": n})
}
