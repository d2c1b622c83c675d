package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
)

// ErrNotFound is matched by IsNotFound. Fakes of the GitHub client
// return it directly.
var ErrNotFound = errors.New("github: not found")

// RateLimitError reports that GitHub refused a request until ResetTime.
type RateLimitError struct {
	ResetTime time.Time
	Err       error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github: rate limited until %s: %v", e.ResetTime.Format(time.RFC3339), e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a GitHub 404
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var responseErr *github.ErrorResponse
	return errors.As(err, &responseErr) &&
		responseErr.Response != nil &&
		responseErr.Response.StatusCode == http.StatusNotFound
}

// IsRateLimited reports whether err is a primary or secondary rate limit
func IsRateLimited(err error) bool {
	var rateLimitErr *RateLimitError
	return errors.As(err, &rateLimitErr)
}

// wrapError converts go-github's rate limit errors into RateLimitError
// and leaves everything else alone.
func wrapError(err error) error {
	var primary *github.RateLimitError
	if errors.As(err, &primary) {
		return &RateLimitError{ResetTime: primary.Rate.Reset.Time, Err: err}
	}

	var secondary *github.AbuseRateLimitError
	if errors.As(err, &secondary) {
		reset := time.Now().Add(time.Minute)
		if secondary.RetryAfter != nil {
			reset = time.Now().Add(*secondary.RetryAfter)
		}
		return &RateLimitError{ResetTime: reset, Err: err}
	}

	return err
}
