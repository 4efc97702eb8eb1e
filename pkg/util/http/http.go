package http

import (
	"fmt"
	"net/http"
)

// StatusError is returned when an upstream response did not indicate success.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http response did not indicate success status code: %s", e.Status)
}

func isSuccessStatusCode(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func EnsureSuccessStatusCode(resp *http.Response) error {
	if !isSuccessStatusCode(resp) {
		status := resp.Status
		if status == "" {
			status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		return &StatusError{StatusCode: resp.StatusCode, Status: status}
	}
	return nil
}

// Redirected reports whether the final request of resp was issued against
// a different URL than the one originally requested.
func Redirected(resp *http.Response, requested string) bool {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	return resp.Request.URL.String() != requested
}
