package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	defaultChatModelName      = "gemini-1.5-flash-latest"
	defaultEmbeddingModelName = "text-embedding-004"

	summarySystemInstruction = "You summarize sales conversations for a consulting firm's lead pipeline. " +
		"Write one or two plain sentences covering what the visitor wanted, any project details they shared, " +
		"and where they are in their decision. Just return the summary itself, nothing else."
)

type GeminiConfig struct {
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int32
}

// Gemini implements Streamer, Summarizer and Embedder on the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
	log    zerolog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig, log zerolog.Logger) (*Gemini, error) {
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModelName
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModelName
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg, log: log}, nil
}

func (g *Gemini) Close() {
	if g.client != nil {
		if err := g.client.Close(); err != nil {
			g.log.Error().Err(err).Msg("error closing GenAI client")
		} else {
			g.log.Info().Msg("GenAI client closed")
		}
	}
}

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	em := g.client.EmbeddingModel(g.cfg.EmbeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

// geminiRole maps our roles onto Gemini's, which calls the assistant "model".
func geminiRole(r Role) string {
	if r == RoleAssistant {
		return "model"
	}
	return "user"
}

func (g *Gemini) chatModel() *genai.GenerativeModel {
	model := g.client.GenerativeModel(g.cfg.ChatModel)
	if g.cfg.Temperature > 0 {
		model.SetTemperature(g.cfg.Temperature)
	}
	if g.cfg.MaxTokens > 0 {
		model.SetMaxOutputTokens(g.cfg.MaxTokens)
	}
	return model
}

func (g *Gemini) StreamChat(ctx context.Context, p Prompt) (<-chan string, <-chan error) {
	tokens := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		if strings.TrimSpace(p.User) == "" {
			errs <- errors.New("prompt has no user message")
			return
		}

		model := g.chatModel()
		if p.System != "" {
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(p.System)},
			}
		}

		cs := model.StartChat()
		for _, m := range p.History {
			cs.History = append(cs.History, &genai.Content{
				Role:  geminiRole(m.Role),
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}

		it := cs.SendMessageStream(ctx, genai.Text(p.User))
		sent := 0
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				errs <- fmt.Errorf("gemini stream failed: %w", err)
				return
			}
			for _, text := range responseParts(resp) {
				select {
				case tokens <- text:
					sent++
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		if sent == 0 {
			errs <- ErrEmptyResponse
		}
	}()

	return tokens, errs
}

func responseParts(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var out []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok && txt != "" {
			out = append(out, string(txt))
		}
	}
	return out
}

func (g *Gemini) Summarize(ctx context.Context, transcript string) (string, error) {
	model := g.client.GenerativeModel(g.cfg.ChatModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(summarySystemInstruction)},
	}
	model.SetTemperature(0.3)
	model.SetMaxOutputTokens(120)

	resp, err := model.GenerateContent(ctx, genai.Text("Summarize this conversation:\n\n"+transcript))
	if err != nil {
		return "", fmt.Errorf("gemini summary request failed: %w", err)
	}

	summary := strings.TrimSpace(strings.Join(responseParts(resp), ""))
	if summary == "" {
		return "", ErrEmptyResponse
	}
	return strings.Trim(summary, "\"'\n\r\t "), nil
}
