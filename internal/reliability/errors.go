package reliability

import (
	"errors"
	"strings"
)

// Kind identifies an error class of the generation and audio subsystems.
type Kind string

const (
	KindRateLimited      Kind = "rate_limited"
	KindTransient        Kind = "transient"
	KindFatal            Kind = "fatal"
	KindPermissionDenied Kind = "permission_denied"
	KindConnectionError  Kind = "connection_error"
	KindMalformedJSON    Kind = "malformed_json"
	KindNoAudioPayload   Kind = "no_audio_payload"
	KindRequestFailed    Kind = "request_failed"
	KindCancelled        Kind = "cancelled"
)

// Retryable reports whether failures of this kind are retried locally.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// Error is a classified failure. Error() carries the raw diagnostic detail and
// is meant for logs; end users get UserMessage instead.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func NewError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: strings.TrimSpace(detail), Err: err}
}

func (e *Error) Error() string {
	detail := e.Detail
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + detail
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns the short localized text shown to end users.
func (e *Error) UserMessage(locale string) string {
	return UserMessage(e.Kind, locale)
}

// KindOf returns the kind of a classified error, or Classify(err) otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

var userMessages = map[string]map[Kind]string{
	"en": {
		KindRateLimited:      "The service is busy right now. Please try again in a moment.",
		KindTransient:        "We could not reach the service. Please try again.",
		KindFatal:            "The request could not be completed.",
		KindPermissionDenied: "Microphone access was denied. Allow microphone access and try again.",
		KindConnectionError:  "The connection to the transcription service was lost.",
		KindMalformedJSON:    "The response could not be read. Please try again.",
		KindNoAudioPayload:   "Audio could not be generated for this text.",
		KindRequestFailed:    "The request failed after several attempts. Please try again later.",
		KindCancelled:        "The request was cancelled.",
	},
	"es": {
		KindRateLimited:      "El servicio está ocupado. Inténtalo de nuevo en un momento.",
		KindTransient:        "No pudimos contactar con el servicio. Inténtalo de nuevo.",
		KindFatal:            "No se pudo completar la solicitud.",
		KindPermissionDenied: "Se denegó el acceso al micrófono. Permite el acceso e inténtalo de nuevo.",
		KindConnectionError:  "Se perdió la conexión con el servicio de transcripción.",
		KindMalformedJSON:    "No se pudo leer la respuesta. Inténtalo de nuevo.",
		KindNoAudioPayload:   "No se pudo generar el audio para este texto.",
		KindRequestFailed:    "La solicitud falló tras varios intentos. Inténtalo más tarde.",
		KindCancelled:        "La solicitud fue cancelada.",
	},
}

const genericMessageEN = "Something went wrong. Please try again."

// UserMessage maps an error kind to a localized message. Unknown locales fall
// back to English.
func UserMessage(kind Kind, locale string) string {
	catalog, ok := userMessages[normalizeLocale(locale)]
	if !ok {
		catalog = userMessages["en"]
	}
	if msg, ok := catalog[kind]; ok {
		return msg
	}
	if msg, ok := userMessages["en"][kind]; ok {
		return msg
	}
	return genericMessageEN
}

func normalizeLocale(locale string) string {
	l := strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	if l == "" {
		return "en"
	}
	return l
}
