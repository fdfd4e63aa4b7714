package reliability

import (
	"errors"

	"google.golang.org/genai"
)

// FromGenAI exposes the HTTP status of a genai API error as a StatusError so
// Classify can recognise rate limits and server faults. Other errors are
// returned unchanged.
func FromGenAI(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Code: apiErr.Code, Message: apiErr.Status + ": " + apiErr.Message, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &StatusError{Code: apiErrPtr.Code, Message: apiErrPtr.Status + ": " + apiErrPtr.Message, Err: err}
	}
	return err
}
