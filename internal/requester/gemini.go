package requester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/opensource-finance/errmap/internal/domain"
)

// Gemini calls Google's Gemini API through the genai SDK.
type Gemini struct {
	client    *genai.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

// NewGemini creates a Gemini requester.
func NewGemini(ctx context.Context, cfg domain.RequesterConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := cfg.Model
	if !strings.HasPrefix(model, "gemini") {
		model = "gemini-2.5-pro"
	}
	return &Gemini{
		client:    client,
		model:     model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}, nil
}

func (g *Gemini) Provider() string { return "gemini" }
func (g *Gemini) Model() string    { return g.model }

// Request sends one GenerateContent call.
func (g *Gemini) Request(ctx context.Context, p Prompt) (string, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(p.User), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser),
		MaxOutputTokens:   int32(g.maxTokens),
	})
	if err != nil {
		return "", classify(g.Provider(), fmt.Errorf("gemini API error: %w", err))
	}

	text := resp.Text()
	if text == "" {
		return "", classify(g.Provider(), errors.New("no completion returned"))
	}
	slog.Debug("model response received", "provider", g.Provider(), "model", g.model, "response_len", len(text))
	return text, nil
}
