package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const heartbeatInterval = 15 * time.Second

type doneFrame struct {
	Done           bool   `json:"done"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	LeadScore      int    `json:"lead_score"`
	Label          string `json:"label"`
	Identity       string `json:"identity"`
}

// ChatStreamHandler relays a turn as server-sent events: token frames, a
// done frame with the turn's outcome, then [DONE].
func (h *APIHandler) ChatStreamHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	ctx := r.Context()
	stream, err := h.orchestrator.HandleTurn(ctx, h.turnRequest(r, req))
	if err != nil {
		h.turnError(w, req, err)
		return
	}

	// replies can outlive the server's write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // helpful if behind nginx
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeFrame := func(payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	tokens := stream.Tokens
	for tokens != nil {
		select {
		case tok, ok := <-tokens:
			if !ok {
				tokens = nil
				continue
			}
			writeFrame(map[string]string{"token": tok})
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-ctx.Done():
			// the orchestrator sees the same cancellation and drops the reply
			return
		}
	}

	res := <-stream.Result
	if res.Err != nil {
		writeFrame(map[string]string{"error": retryMessage})
	} else {
		writeFrame(doneFrame{
			Done:           true,
			ConversationID: res.ConversationID,
			UserID:         res.UserID,
			LeadScore:      res.LeadScore,
			Label:          string(res.Label),
			Identity:       string(res.Identity),
		})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
