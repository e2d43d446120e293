package llm

import (
	"errors"
	"fmt"
)

// ErrRateLimited marks a 429 from the completion API. The exchange aborts
// immediately with a dedicated user message instead of retrying.
var ErrRateLimited = errors.New("completion api rate limited")

// APIError carries the HTTP status and body of a failed completion call.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion api error: status %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is(err, ErrRateLimited) match 429 responses.
func (e *APIError) Unwrap() error {
	if e.StatusCode == 429 {
		return ErrRateLimited
	}
	return nil
}
