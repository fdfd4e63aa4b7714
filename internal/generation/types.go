package generation

import (
	"context"
	"strings"
	"time"

	"github.com/antoniostano/examprep/internal/reliability"
)

// MimeType selects whether a generation returns free text or a JSON document.
type MimeType string

const (
	MimeText MimeType = "text/plain"
	MimeJSON MimeType = "application/json"
)

// ParseMimeType accepts the short names "text"/"json" as well as the MIME strings.
func ParseMimeType(s string) (MimeType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "text/plain":
		return MimeText, true
	case "json", "application/json":
		return MimeJSON, true
	default:
		return "", false
	}
}

// SchemaType names a structural schema node type.
type SchemaType string

const (
	TypeString  SchemaType = "string"
	TypeNumber  SchemaType = "number"
	TypeInteger SchemaType = "integer"
	TypeBoolean SchemaType = "boolean"
	TypeArray   SchemaType = "array"
	TypeObject  SchemaType = "object"
)

// Schema is a provider-neutral response schema.
type Schema struct {
	Type        SchemaType         `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// Request is one generation call. It is treated as immutable once built.
type Request struct {
	Prompt   string   `json:"prompt"`
	Schema   *Schema  `json:"response_schema,omitempty"`
	MimeType MimeType `json:"mime_type"`
}

func (r Request) wantsJSON() bool {
	return r.MimeType == MimeJSON || r.Schema != nil
}

// Generator is the remote generation endpoint. Failures should carry an
// HTTP-equivalent status (reliability.StatusError) when one is known.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Result is the value every Run returns: exactly one of Ok or Err holds.
type Result struct {
	Text     string
	JSON     any
	Err      *reliability.Error
	Raw      string
	Attempts int
}

func (r Result) Ok() bool { return r.Err == nil }

// Kind returns the error kind, or "" on success.
func (r Result) Kind() reliability.Kind {
	if r.Err == nil {
		return ""
	}
	return r.Err.Kind
}

// RetryState tracks one Run's progress; it never outlives the call.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
}
