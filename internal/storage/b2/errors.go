package b2

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/objectfs/b2fs/pkg/errors"
)

// defaultRetryAfter applies to 429 and 503 when the server omits Retry-After.
const defaultRetryAfter = time.Second

// ClassifyStatus maps an HTTP status and the decoded error body to a taxonomy code.
func ClassifyStatus(status int) errors.ErrorCode {
	switch {
	case status == http.StatusBadRequest:
		return errors.ErrCodeInvalidRequest
	case status == http.StatusUnauthorized:
		return errors.ErrCodeAuthExpired
	case status == http.StatusForbidden:
		return errors.ErrCodeForbidden
	case status == http.StatusNotFound:
		return errors.ErrCodeNotFound
	case status == http.StatusRequestTimeout:
		return errors.ErrCodeTimeout
	case status == http.StatusRequestedRangeNotSatisfiable:
		return errors.ErrCodeRangeNotSatisfiable
	case status == http.StatusTooManyRequests:
		return errors.ErrCodeRateLimited
	case status >= 500:
		return errors.ErrCodeServerError
	default:
		return errors.ErrCodeInvalidRequest
	}
}

// classifyResponse turns a non-success response into a typed error. body is
// the already-read response body.
func classifyResponse(op string, resp *http.Response, body []byte) *errors.Error {
	var apiErr apiError
	decodeErr := json.Unmarshal(body, &apiErr)
	if decodeErr != nil || apiErr.Code == "" {
		apiErr.Code = "unknown"
	}
	if apiErr.Status == 0 {
		apiErr.Status = resp.StatusCode
	}
	if apiErr.Message == "" {
		apiErr.Message = "Unknown " + resp.Status
	}

	code := ClassifyStatus(resp.StatusCode)
	e := errors.NewError(code, apiErr.Message).
		WithComponent("b2").
		WithOperation(op)
	e.HTTPStatus = resp.StatusCode
	e.RemoteCode = apiErr.Code

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		e.RetryAfter = parseRetryAfter(resp.Header.Get(headerRetryAfter))
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

// classifyTransport wraps a connection-level failure.
func classifyTransport(op string, err error) *errors.Error {
	switch {
	case stderrors.Is(err, context.Canceled):
		e := errors.Wrap(errors.ErrCodeTransportFailure, err, "request canceled").
			WithComponent("b2").
			WithOperation(op)
		e.Retryable = false
		return e
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.ErrCodeTimeout, err, "request timed out").
			WithComponent("b2").
			WithOperation(op)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrCodeTimeout, err, "request timed out").
			WithComponent("b2").
			WithOperation(op)
	}
	return errors.Wrap(errors.ErrCodeTransportFailure, err, "request failed").
		WithComponent("b2").
		WithOperation(op)
}

// classifyDecode reports a success response whose body did not match the contract.
func classifyDecode(op string, err error) *errors.Error {
	return errors.Wrap(errors.ErrCodeDecodeFailure, err, fmt.Sprintf("decode %s response", op)).
		WithComponent("b2").
		WithOperation(op)
}
