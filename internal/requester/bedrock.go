package requester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/opensource-finance/errmap/internal/domain"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockInvoker is the part of the Bedrock runtime client used here.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Bedrock calls an Anthropic model hosted on AWS Bedrock.
type Bedrock struct {
	client    BedrockInvoker
	model     string
	maxTokens int
	timeout   time.Duration
}

type bedrockContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockMessage struct {
	Role    string           `json:"role"`
	Content []bedrockContent `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// NewBedrock loads the default AWS configuration for cfg.Region.
func NewBedrock(ctx context.Context, cfg domain.RequesterConfig) (*Bedrock, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewBedrockWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

// NewBedrockWithClient creates a Bedrock requester over an existing client.
func NewBedrockWithClient(client BedrockInvoker, cfg domain.RequesterConfig) *Bedrock {
	model := cfg.Model
	if model == "" || !strings.Contains(model, ".") {
		model = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	return &Bedrock{
		client:    client,
		model:     model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}
}

func (b *Bedrock) Provider() string { return "bedrock" }
func (b *Bedrock) Model() string    { return b.model }

// Request sends one InvokeModel call.
func (b *Bedrock) Request(ctx context.Context, p Prompt) (string, error) {
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()

	text, err := b.do(ctx, p)
	if err != nil {
		return "", classify(b.Provider(), err)
	}
	slog.Debug("model response received", "provider", b.Provider(), "model", b.model, "response_len", len(text))
	return text, nil
}

func (b *Bedrock) do(ctx context.Context, p Prompt) (string, error) {
	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        b.maxTokens,
		System:           p.System,
		Messages: []bedrockMessage{{
			Role:    "user",
			Content: []bedrockContent{{Type: "text", Text: p.User}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock API error: %w", err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("no completion returned")
	}
	return sb.String(), nil
}
