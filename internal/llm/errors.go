package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderError wraps a failure returned by a model provider: transport
// errors, rate limits, and non-2xx API responses all surface as one.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimited reports whether the provider rejected the call for rate
// or capacity reasons.
func (e *ProviderError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 529
}

// IsProviderError reports whether err is (or wraps) a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
