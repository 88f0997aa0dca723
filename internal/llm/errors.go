package llm

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrBudgetExceeded is matched by every BudgetError.
	ErrBudgetExceeded = errors.New("daily token budget exceeded")
	ErrNotConfigured  = errors.New("llm api key not configured")
)

// BudgetError reports that an agent has spent its daily token allowance.
type BudgetError struct {
	AgentID string
	Used    int64
	Budget  int64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("agent %s exceeded daily token budget (%d/%d)", e.AgentID, e.Used, e.Budget)
}

func (e *BudgetError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// StatusError is a non-2xx response from the completion endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm api error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is transient.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
