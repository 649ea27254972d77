package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"blacksky.com/maurice/internal/store"
)

func TestEndConversation(t *testing.T) {
	h := newHarness(t, fixedSummarizer{summary: "Wanted a quote for a mobile app."})
	ctx := context.Background()

	res := h.turn(t, TurnRequest{UserID: "visitor-1", Message: "Can I get a quote for an iOS app?"})
	conv, err := h.o.EndConversation(ctx, res.ConversationID)
	if err != nil {
		t.Fatalf("EndConversation: %v", err)
	}
	if conv.Open() || conv.Summary != "Wanted a quote for a mobile app." {
		t.Fatalf("conversation = %+v", conv)
	}
	if strings.Join(conv.Interests, ",") != "mobile apps,pricing" {
		t.Fatalf("interests = %v", conv.Interests)
	}

	again, err := h.o.EndConversation(ctx, res.ConversationID)
	if err != nil || !again.EndedAt.Equal(*conv.EndedAt) {
		t.Fatalf("second end: %+v, %v", again, err)
	}

	if _, err := h.o.EndConversation(ctx, "missing"); !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("unknown conversation: err = %v", err)
	}
}

func TestEndConversation_SummaryFallsBackToLastMessage(t *testing.T) {
	h := newHarness(t, fixedSummarizer{err: errors.New("quota exceeded")})
	ctx := context.Background()

	long := "We are a hospital network " + strings.Repeat("evaluating vendors ", 20)
	res := h.turn(t, TurnRequest{UserID: "visitor-2", Message: long})
	conv, err := h.o.EndConversation(ctx, res.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	want := string([]rune(strings.TrimSpace(long))[:fallbackSummary]) + "..."
	if conv.Summary != want {
		t.Fatalf("summary = %q\nwant %q", conv.Summary, want)
	}
}

func TestSweepIdle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.turn(t, TurnRequest{UserID: "visitor-3", Message: "Just browsing"})

	if n, err := h.o.SweepIdle(ctx); err != nil || n != 0 {
		t.Fatalf("fresh conversation swept: n=%d err=%v", n, err)
	}

	h.o.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := h.o.SweepIdle(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepIdle = %d, %v", n, err)
	}
	conv, _ := h.db.GetConversation(ctx, res.ConversationID)
	if conv.Open() || conv.Summary != "Just browsing" {
		t.Fatalf("conversation = %+v", conv)
	}
}
