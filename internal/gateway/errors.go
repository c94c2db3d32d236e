package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/howard-nolan/evalgate/internal/provider"
	"github.com/howard-nolan/evalgate/internal/usage"
)

// UnsupportedModelError is returned when a model is not in the catalog of
// the selected provider.
type UnsupportedModelError struct {
	Provider string
	Model    string
}

func (e *UnsupportedModelError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("no model selected for provider %q", e.Provider)
	}
	return fmt.Sprintf("model %q is not supported by provider %q", e.Model, e.Provider)
}

// RequestError reports an invalid request field.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrNoQuestions is the failure of a quiz generation whose output held no
// usable question.
var ErrNoQuestions = errors.New("could not generate questions")

// IsConfigError reports whether err is a caller configuration error: one
// that is returned before any chunk is written.
func IsConfigError(err error) bool {
	var (
		pe *provider.UnsupportedProviderError
		me *UnsupportedModelError
		re *RequestError
	)
	return errors.As(err, &pe) || errors.As(err, &me) || errors.As(err, &re)
}

// Redact turns an error into the message shown to users. Provider
// internals never pass through.
func Redact(err error) string {
	var te *provider.TransportError
	switch {
	case errors.As(err, &te):
		return te.Redacted()
	case errors.Is(err, ErrNoQuestions):
		return ErrNoQuestions.Error()
	case errors.Is(err, usage.ErrStreamIncomplete):
		return "the model stream ended unexpectedly"
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case errors.Is(err, context.Canceled):
		return "the request was cancelled"
	case IsConfigError(err):
		return err.Error()
	}
	return "analysis failed, adjust settings and retry"
}
