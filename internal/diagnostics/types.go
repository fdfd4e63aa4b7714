package diagnostics

import (
	"context"
	"time"
)

// Record captures one generation failure for later inspection. Prompt and Raw
// are redacted before they reach a store.
type Record struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Prompt    string    `json:"prompt"`
	Raw       string    `json:"raw,omitempty"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and lists generation diagnostics.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
