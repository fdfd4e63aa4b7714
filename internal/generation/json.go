package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrMalformedJSON = errors.New("malformed json response")

var (
	leadingFenceRe  = regexp.MustCompile("^\\s*```[A-Za-z0-9_+\\-]*[ \\t]*\\r?\\n?")
	trailingFenceRe = regexp.MustCompile("\\r?\\n?[ \\t]*```\\s*$")
)

// StripCodeFence removes a leading ``` marker (with an optional language tag)
// and a trailing ``` marker, then trims surrounding whitespace.
func StripCodeFence(raw string) string {
	out := leadingFenceRe.ReplaceAllString(raw, "")
	out = trailingFenceRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// ExtractJSON parses a model response that may be wrapped in a fenced code
// block. Parse failures wrap ErrMalformedJSON.
func ExtractJSON(raw string) (any, error) {
	body := StripCodeFence(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedJSON)
	}
	var out any
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return out, nil
}
