package transport

import (
	"fmt"
	"net/http"
)

// RefreshError is returned by RoundTrip when a request failed with an expired token
// and the refresh that should have fixed it failed
type RefreshError struct {
	// StatusCode of the response that triggered the refresh
	StatusCode int
	Err        error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("request failed with %d %s and the token refresh failed: %v", e.StatusCode, http.StatusText(e.StatusCode), e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}
