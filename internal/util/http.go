package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// UserAgent identifies the engine to remote collaborators
const UserAgent = "pob/0.1 (+https://github.com/ppiankov/pob)"

// NewHTTPClient creates a client for the oracle feed, task pipeline and ledger
func NewHTTPClient(timeout time.Duration, httpProxy, httpsProxy string) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: proxyFunc(httpProxy, httpsProxy),
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("stopped after 3 redirects")
			}
			return nil
		},
	}
}

// proxyFunc routes requests through the configured proxies, falling back to
// HTTP_PROXY and HTTPS_PROXY from the environment
func proxyFunc(httpProxy, httpsProxy string) func(*http.Request) (*url.URL, error) {
	if httpProxy == "" && httpsProxy == "" {
		return http.ProxyFromEnvironment
	}
	return func(req *http.Request) (*url.URL, error) {
		switch {
		case req.URL.Scheme == "https" && httpsProxy != "":
			return url.Parse(httpsProxy)
		case httpProxy != "":
			return url.Parse(httpProxy)
		default:
			return http.ProxyFromEnvironment(req)
		}
	}
}

// StatusError is a non-2xx response from a remote collaborator
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d %s", e.StatusCode, e.Status)
}

// IsRetryableStatus returns true for statuses that indicate transient failures
func IsRetryableStatus(code int) bool {
	// Retry on 5xx server errors and 429 rate limit
	return (code >= 500 && code < 600) || code == http.StatusTooManyRequests
}

// IsRetryableNetworkError checks for transient network failures
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset")
}

// Classify wraps non-retryable errors in backoff.Permanent so retry loops
// stop immediately on them.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		if IsRetryableStatus(se.StatusCode) {
			return err
		}
		return backoff.Permanent(err)
	}
	if IsRetryableNetworkError(err) {
		return err
	}
	return backoff.Permanent(err)
}

// NewBackOff returns an exponential backoff bounded to maxRetries retries
// and tied to ctx.
func NewBackOff(ctx context.Context, initial, max time.Duration, maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	if max > 0 {
		b.MaxInterval = max
	}
	// The retry count bounds the loop, not elapsed time
	b.MaxElapsedTime = 0
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}
