package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/antoniostano/examprep/internal/reliability"
)

// FallbackGenerator tries a primary generator first. Retryable failures are
// returned as-is so the Client can back off; other failures switch to the
// fallback for this call.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

// Primary returns the preferred generator used before fallback.
func (g *FallbackGenerator) Primary() Generator {
	if g == nil {
		return nil
	}
	return g.primary
}

// Secondary returns the fallback generator.
func (g *FallbackGenerator) Secondary() Generator {
	if g == nil {
		return nil
	}
	return g.fallback
}

func (g *FallbackGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if g == nil || g.primary == nil {
		if g != nil && g.fallback != nil {
			return g.fallback.Generate(ctx, req)
		}
		return "", errors.New("fallback generator misconfigured")
	}

	text, err := g.primary.Generate(ctx, req)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil || g.fallback == nil || reliability.Classify(err).Retryable() {
		return "", err
	}

	text, fallbackErr := g.fallback.Generate(ctx, req)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary generator error: %v; fallback generator error: %w", err, fallbackErr)
	}
	return text, nil
}
