package evidence

import (
	"errors"
	"strings"

	"call-evidence/internal/compliance"
)

var (
	ErrNotFound     = errors.New("evidence: not found")
	ErrInvalidInput = errors.New("evidence: invalid input")
	// ErrRender means a valid, hashed bundle could not be written in the requested format.
	ErrRender = errors.New("evidence: render failed")
)

// DeniedError carries the gate decision that refused an export.
type DeniedError struct {
	Decision compliance.Decision
}

func (e *DeniedError) Error() string {
	return "evidence: export denied: " + strings.Join(e.Decision.Reasons, "; ")
}
