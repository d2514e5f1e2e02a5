package execlog

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies why a child agent failed.
type Category string

const (
	CategoryTimeout        Category = "TIMEOUT"
	CategoryToolError      Category = "TOOL_ERROR"
	CategoryMissingContext Category = "MISSING_CONTEXT"
	CategoryInvalidTask    Category = "INVALID_TASK"
	CategoryPartialSuccess Category = "PARTIAL_SUCCESS"
)

// TerminationCause is what ended the child's run, as observed by the
// delegating parent.
type TerminationCause int

const (
	CauseError TerminationCause = iota
	CauseTimeout
	CauseCancelled
)

// Categorize picks a failure category from the execution log tail plus the
// termination cause. It is a pure function of its inputs; the child is
// never asked to self-diagnose.
func Categorize(log *Log, cause TerminationCause, errMsg string, timeout time.Duration) *Failure {
	tail := log.Tail(3)
	total, succeeded, _ := log.Totals()

	switch cause {
	case CauseTimeout:
		actions := []string{"Break task into smaller subtasks"}
		if total > 0 {
			actions = append([]string{
				fmt.Sprintf("Retry with timeout=%ds", int(timeout.Seconds())*2),
			}, actions...)
		}
		return &Failure{
			Category:         CategoryTimeout,
			BlockedOn:        "Time limit insufficient",
			SuggestedActions: actions,
			Retryable:        total > 0,
		}

	case CauseCancelled:
		return &Failure{
			Category:         CategoryPartialSuccess,
			BlockedOn:        "Cancelled before completion",
			SuggestedActions: []string{"Retry the task", "Break task into smaller subtasks"},
			Retryable:        true,
		}
	}

	lower := strings.ToLower(errMsg)

	switch {
	case containsAny(lower, "missing context", "need more information", "ambiguous", "which file", "unclear reference"):
		return &Failure{
			Category:         CategoryMissingContext,
			BlockedOn:        firstLine(errMsg),
			SuggestedActions: []string{"Include the missing details in the prompt", "Name the exact files involved", "Provide more specific instructions"},
			Retryable:        true,
		}

	case containsAny(lower, "invalid", "unsupported", "impossible", "malformed"):
		return &Failure{
			Category:         CategoryInvalidTask,
			BlockedOn:        firstLine(errMsg),
			SuggestedActions: []string{"Clarify task requirements", "Break into simpler tasks", "Provide more specific instructions"},
			Retryable:        false,
		}

	case succeeded > 0 && tailFailed(tail):
		return &Failure{
			Category:         CategoryPartialSuccess,
			BlockedOn:        lastError(tail, errMsg),
			SuggestedActions: []string{"Resume from the completed work", "Fix the blocking error and retry", "Break task into smaller subtasks"},
			Retryable:        true,
		}

	case containsAny(lower, "permission denied", "not found", "no such file"):
		return &Failure{
			Category:         CategoryToolError,
			BlockedOn:        firstLine(errMsg),
			SuggestedActions: []string{"Check file permissions", "Verify file exists", "Install missing dependencies if tool failed"},
			Retryable:        true,
		}

	default:
		return &Failure{
			Category:         CategoryToolError,
			BlockedOn:        firstLine(errMsg),
			SuggestedActions: []string{"Review error in session logs", "Fix environment", "Retry after fixing issue"},
			Retryable:        true,
		}
	}
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// tailFailed reports whether the most recent execution failed.
func tailFailed(tail []ToolExecution) bool {
	return len(tail) > 0 && !tail[len(tail)-1].OK
}

func lastError(tail []ToolExecution, fallback string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		if !tail[i].OK && tail[i].Error != "" {
			return firstLine(tail[i].Error)
		}
	}
	return firstLine(fallback)
}
