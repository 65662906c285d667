package chat

import (
	"context"
	"strings"

	"google.golang.org/genai"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/trace"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiBackend streams replies from the Gemini API.
type GeminiBackend struct {
	client       *genai.Client
	model        string
	systemPrompt string
}

// GeminiConfig configures a GeminiBackend.
type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
}

// NewGeminiBackend creates the API client.
func NewGeminiBackend(ctx context.Context, cfg GeminiConfig) (*GeminiBackend, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.KindConfig, "gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindConfig, "create gemini client")
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiBackend{client: client, model: model, systemPrompt: cfg.SystemPrompt}, nil
}

func (g *GeminiBackend) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	ctx, span := trace.StartSpan(ctx, "chat.gemini")
	defer span.End()

	var cfg *genai.GenerateContentConfig
	var contents []*genai.Content
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if cfg == nil {
				cfg = &genai.GenerateContentConfig{SystemInstruction: genai.NewContentFromText(m.Content, genai.RoleUser)}
			}
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, geminiRole(m.Role)))
	}
	if cfg == nil && g.systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{SystemInstruction: genai.NewContentFromText(g.systemPrompt, genai.RoleUser)}
	}

	var reply strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
		if err != nil {
			kindErr := apperrors.Wrap(err, apperrors.KindTurn, "gemini stream failed")
			if ctx.Err() != nil {
				kindErr = apperrors.Wrap(ctx.Err(), apperrors.KindTurn, "gemini timed out")
			}
			trace.Fail(span, kindErr)
			return reply.String(), kindErr
		}
		if text := resp.Text(); text != "" {
			reply.WriteString(text)
			if onDelta != nil {
				onDelta(text)
			}
		}
	}
	return reply.String(), nil
}

func geminiRole(role string) genai.Role {
	if role == RoleAssistant {
		return genai.RoleModel
	}
	return genai.RoleUser
}
