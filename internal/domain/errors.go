package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowDisabled = errors.New("workflow is disabled")
	ErrRunNotFound      = errors.New("run not found")
	ErrTriggerMismatch  = errors.New("event does not match workflow triggers")
	ErrRunFailed        = errors.New("run failed")
	ErrRunCancelled     = errors.New("run cancelled")
)

// ValidationError aggregates every problem found in a workflow file so
// authors fix them in one pass instead of one per invocation.
type ValidationError struct {
	Path   string
	Issues []string
}

func (e *ValidationError) Error() string {
	where := e.Path
	if where == "" {
		where = "workflow"
	}
	return fmt.Sprintf("%s: %d validation issue(s):\n  - %s",
		where, len(e.Issues), strings.Join(e.Issues, "\n  - "))
}
