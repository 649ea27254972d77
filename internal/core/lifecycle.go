package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"blacksky.com/maurice/internal/extract"
	"blacksky.com/maurice/internal/store"
)

// EndConversation closes a conversation on the client's request. Ending an
// already closed conversation returns it unchanged.
func (o *Orchestrator) EndConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, store.ErrConversationNotFound
	}
	if !conv.Open() {
		return conv, nil
	}
	if err := o.closeConversation(ctx, conv, "explicit"); err != nil {
		return nil, err
	}
	return o.store.GetConversation(ctx, conversationID)
}

// SweepIdle closes every open conversation with no activity for the idle
// window and reports how many it closed.
func (o *Orchestrator) SweepIdle(ctx context.Context) (int, error) {
	idle, err := o.store.ListIdleConversations(ctx, o.now().UTC().Add(-o.opts.IdleAfter))
	if err != nil {
		return 0, err
	}
	closed := 0
	for i := range idle {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		if err := o.closeConversation(ctx, &idle[i], "idle"); err != nil {
			o.log.Warn().Err(err).Str("conversation_id", idle[i].ID).Msg("failed to close idle conversation")
			continue
		}
		closed++
	}
	return closed, nil
}

// RunSweeper calls SweepIdle every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.SweepIdle(ctx)
			if err != nil && ctx.Err() == nil {
				o.log.Error().Err(err).Msg("idle sweep failed")
			}
			if n > 0 {
				o.log.Info().Int("closed", n).Msg("closed idle conversations")
			}
		}
	}
}

func (o *Orchestrator) closeConversation(ctx context.Context, conv *store.Conversation, reason string) error {
	msgs, err := o.store.GetMessages(ctx, conv.ID, transcriptLimit)
	if err != nil {
		return err
	}

	interests := conv.Interests
	for _, m := range msgs {
		if m.Role == store.RoleUser {
			interests = store.MergeInterests(interests, extract.Interests(m.Content))
		}
	}

	if err := o.store.CloseConversation(ctx, conv.ID, o.summarize(ctx, msgs), interests); err != nil {
		return fmt.Errorf("failed to close conversation: %w", err)
	}
	o.metrics.ConversationsClosed.WithLabelValues(reason).Inc()
	return nil
}

// summarize asks the model for a summary and falls back to the last thing
// the user said.
func (o *Orchestrator) summarize(ctx context.Context, msgs []store.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	if o.summarizer != nil {
		sctx, cancel := context.WithTimeout(ctx, summaryTimeout)
		summary, err := o.summarizer.Summarize(sctx, transcript(msgs))
		cancel()
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary
		}
		o.log.Warn().Err(err).Str("conversation_id", msgs[0].ConversationID).Msg("failed to summarize conversation, using last message")
	}
	return lastUserSummary(msgs)
}

func lastUserSummary(msgs []store.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != store.RoleUser {
			continue
		}
		r := []rune(msgs[i].Content)
		if len(r) > fallbackSummary {
			return string(r[:fallbackSummary]) + "..."
		}
		return msgs[i].Content
	}
	return ""
}
