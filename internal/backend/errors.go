package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"apqueue/internal"
	"apqueue/internal/resilience"
)

// HTTPStatusError is a non-2xx answer from the backend.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "backend status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("backend %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("backend %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// Reason is the server-provided explanation, taken from a JSON error body
// when there is one.
func (e *HTTPStatusError) Reason() string {
	var body struct {
		Detail  any    `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(e.Body), &body) == nil {
		if s, ok := body.Detail.(string); ok && s != "" {
			return s
		}
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	text := strings.TrimSpace(e.Body)
	if text == "" {
		return e.Status
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return code >= 500
	}
}

func statusError(op string, resp *http.Response, body []byte) error {
	statusErr := &HTTPStatusError{
		Operation:  op,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
	if isRetryableStatus(resp.StatusCode) {
		return internal.WrapError(internal.ErrTransientNetwork, op, statusErr)
	}
	return internal.WrapError(internal.ErrPermanentRequest, op, statusErr)
}

// Classify maps backend errors onto retry decisions: transport failures and
// 5xx/429 are retried, other 4xx are not and do not count against the breaker.
func Classify(err error) resilience.Class {
	if err == nil {
		return resilience.Class{}
	}
	if errors.Is(err, context.Canceled) {
		return resilience.Class{}
	}
	if internal.IsKind(err, internal.ErrPermanentRequest) || internal.IsKind(err, internal.ErrConfiguration) {
		return resilience.Class{}
	}
	if internal.IsKind(err, internal.ErrTransientNetwork) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.Class{Retryable: true, RecordFailure: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.Class{Retryable: true, RecordFailure: true}
	}
	return resilience.Class{RecordFailure: true}
}

// IsPermanent reports whether err is a rejection that retrying cannot fix.
func IsPermanent(err error) bool {
	return internal.IsKind(err, internal.ErrPermanentRequest)
}

// Reason extracts a user-facing reason from err.
func Reason(err error) string {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Reason()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
