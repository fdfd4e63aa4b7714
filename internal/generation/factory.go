package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Config controls generator construction.
type Config struct {
	Mode         string
	GeminiAPIKey string
	GeminiModel  string
	HTTPURL      string
}

// NewGenerator resolves a Generator for mode auto|gemini|http|mock.
func NewGenerator(ctx context.Context, cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoGenerator(ctx, cfg), nil
	case "gemini":
		return NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("generation HTTP url is required for http mode")
		}
		return NewHTTPGenerator(cfg.HTTPURL), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported generation provider %q", cfg.Mode)
	}
}

func newAutoGenerator(ctx context.Context, cfg Config) Generator {
	var secondary Generator
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		secondary = NewHTTPGenerator(cfg.HTTPURL)
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		if gemini, err := NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel); err == nil {
			if secondary != nil {
				return NewFallbackGenerator(gemini, secondary)
			}
			return gemini
		}
	}
	if secondary != nil {
		return secondary
	}
	return NewMockGenerator()
}
