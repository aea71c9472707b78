package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// ErrorDetails summarises a stage error for entity messages and log fields.
type ErrorDetails struct {
	Kind    string
	Message string
	Hint    string
}

// Details classifies err by marker. A nil error yields the zero value.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{Kind: "unknown", Message: strings.TrimSpace(err.Error())}
	switch {
	case errors.Is(err, ErrValidation):
		details.Kind = "validation"
		details.Hint = "fix the submission document and requeue the item"
	case errors.Is(err, ErrConfiguration):
		details.Kind = "configuration"
		details.Hint = "check the daemon configuration file"
	case errors.Is(err, ErrNotFound):
		details.Kind = "not_found"
		details.Hint = "verify the referenced source still exists"
	case errors.Is(err, ErrTimeout):
		details.Kind = "timeout"
		details.Hint = "raise the stage timeout or check the external service"
	case errors.Is(err, ErrExternalTool):
		details.Kind = "external"
		details.Hint = "inspect the stage command output in the daemon log"
	case errors.Is(err, ErrTransient):
		details.Kind = "transient"
		details.Hint = "requeue the item once the dependency recovers"
	}
	if details.Message == "" {
		details.Message = details.Kind
	}
	return details
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
