// Package requester sends the mapping prompt to a reasoning model and returns
// its raw response. Each call runs once under a timeout; failures are never
// retried here.
package requester

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opensource-finance/errmap/internal/domain"
)

// Requester asks a model for a candidate mapping table.
type Requester interface {
	// Request returns the model's raw text response.
	Request(ctx context.Context, p Prompt) (string, error)

	// Provider names the backing service.
	Provider() string

	// Model names the model in use.
	Model() string
}

// New creates a requester for cfg.Provider.
func New(ctx context.Context, cfg domain.RequesterConfig) (Requester, error) {
	switch cfg.Provider {
	case "anthropic", "":
		return NewAnthropic(cfg)
	case "bedrock":
		return NewBedrock(ctx, cfg)
	case "gemini":
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown requester provider: %s", cfg.Provider)
	}
}

// withTimeout bounds a single model call.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// classify wraps err as a *domain.RequestError.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var re *domain.RequestError
	if errors.As(err, &re) {
		return err
	}
	return &domain.RequestError{Provider: provider, Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
