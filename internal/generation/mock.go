package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MockGenerator provides deterministic local replies when no remote service
// is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	if !req.wantsJSON() {
		prompt := strings.TrimSpace(req.Prompt)
		if prompt == "" {
			prompt = "(empty prompt)"
		}
		return fmt.Sprintf("Mock answer for: %s", prompt), nil
	}

	body, err := json.Marshal(mockValue(req.Schema))
	if err != nil {
		return "", fmt.Errorf("marshal mock value: %w", err)
	}
	// Fenced like real models often answer, so ExtractJSON is exercised.
	return "```json\n" + string(body) + "\n```", nil
}

func mockValue(s *Schema) any {
	if s == nil {
		return map[string]any{"answer": "mock"}
	}
	if len(s.Enum) > 0 {
		return s.Enum[0]
	}
	switch s.Type {
	case TypeString:
		return "mock"
	case TypeNumber:
		return 1.5
	case TypeInteger:
		return 1
	case TypeBoolean:
		return true
	case TypeArray:
		return []any{mockValue(s.Items)}
	default:
		out := make(map[string]any, len(s.Properties))
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out[name] = mockValue(s.Properties[name])
		}
		return out
	}
}
