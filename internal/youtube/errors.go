package youtube

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// ErrNoChannel is returned when the authenticated account owns no channel.
var ErrNoChannel = errors.New("no channel for authenticated account")

// APIError is a non-2xx response from the Data API.
type APIError struct {
	Status  int
	Reason  string
	Message string

	err error
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("youtube api %d %s: %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("youtube api %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.err }

// Temporary reports whether retrying the call may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// asAPIError converts a client library error into an *APIError. Errors that
// did not come from an API response are returned unchanged.
func asAPIError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	converted := &APIError{Status: gerr.Code, Message: strings.TrimSpace(gerr.Message), err: gerr}
	if len(gerr.Errors) > 0 {
		converted.Reason = gerr.Errors[0].Reason
		if converted.Message == "" {
			converted.Message = gerr.Errors[0].Message
		}
	}
	if converted.Message == "" {
		converted.Message = strings.TrimSpace(gerr.Body)
	}
	if converted.Message == "" {
		converted.Message = http.StatusText(gerr.Code)
	}
	return converted
}
