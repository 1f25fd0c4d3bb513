package repository

import "fmt"

// Error codes surfaced by the batch store and lifecycle engine.
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidQuantity   = "INVALID_QUANTITY"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodeTerminal          = "TERMINAL"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeUnavailable       = "UNAVAILABLE"
)

// RepositoryError represents repository and lifecycle layer errors.
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Detail)
}

// NotFoundError builds a NOT_FOUND error for a missing batch.
func NotFoundError(batchID string) *RepositoryError {
	return &RepositoryError{
		Code:    ErrCodeNotFound,
		Message: "Batch not found",
		Detail:  fmt.Sprintf("Batch %s does not exist", batchID),
	}
}

// TerminalError builds a TERMINAL error for a batch in an end state.
func TerminalError(batchID, status string) *RepositoryError {
	return &RepositoryError{
		Code:    ErrCodeTerminal,
		Message: "Batch is in a terminal state",
		Detail:  fmt.Sprintf("Batch %s is %s and accepts no further operations", batchID, status),
	}
}

// UnavailableError wraps storage failures that are safe to retry after
// re-fetching current state.
func UnavailableError(detail string) *RepositoryError {
	return &RepositoryError{
		Code:    ErrCodeUnavailable,
		Message: "Storage unavailable",
		Detail:  detail,
	}
}
