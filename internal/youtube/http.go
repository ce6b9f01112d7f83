package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"
)

// ErrMissingCredentials is returned when a call is made without a token
// source.
var ErrMissingCredentials = errors.New("youtube credentials are required")

// service builds a Data API service that authenticates as the caller. The
// token is resolved once so retries reuse it.
func (c *Client) service(ctx context.Context, ts oauth2.TokenSource) (*ytapi.Service, error) {
	if ts == nil {
		return nil, ErrMissingCredentials
	}
	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("obtain access token: %w", err)
	}
	tokens := oauth2.StaticTokenSource(token)

	opts := []option.ClientOption{option.WithEndpoint(c.baseURL)}
	if c.http != nil {
		// WithHTTPClient bypasses the library's auth, so the token is
		// attached by wrapping the configured transport instead.
		opts = append(opts, option.WithHTTPClient(&http.Client{
			Transport: &oauth2.Transport{Source: tokens, Base: c.http.Transport},
			Timeout:   c.http.Timeout,
		}))
	} else {
		opts = append(opts, option.WithTokenSource(tokens))
	}
	svc, err := ytapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return svc, nil
}

// doWithRetry runs call, retrying network failures, 429 and 5xx responses.
// Other API errors are returned on the first attempt. API failures are
// reported as *APIError.
func (c *Client) doWithRetry(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !temporary(lastErr) || ctx.Err() != nil {
			return asAPIError(lastErr)
		}
		if attempt < c.maxAttempts {
			c.logger.Warn("youtube request failed", "op", op, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval * time.Duration(attempt)):
			}
		}
	}
	return asAPIError(lastErr)
}

func temporary(err error) bool {
	var apiErr *APIError
	if errors.As(asAPIError(err), &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
