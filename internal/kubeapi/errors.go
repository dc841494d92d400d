package kubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilnet "k8s.io/apimachinery/pkg/util/net"
)

// Sentinel errors for the kube API layer.
var (
	// ErrParse indicates a malformed API path or object payload.
	ErrParse = errors.New("malformed kubernetes api input")

	// ErrVersionNegotiation indicates that no configured api base was accepted by the server.
	ErrVersionNegotiation = errors.New("no api base accepted by the server")

	// ErrStaleWatch indicates that the watch resource version is too old (HTTP 410).
	// Consumers must re-list before watching again.
	ErrStaleWatch = errors.New("watch resource version too old")

	// ErrStreamBroken indicates that a watch stream failed mid read.
	ErrStreamBroken = errors.New("watch stream broken")
)

// ParseError reports a path or payload that could not be interpreted.
type ParseError struct {
	Input  string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	msg := fmt.Sprintf("cannot parse %q: %s", truncate(e.Input, 120), e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying decode error, if any.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// VersionNegotiationError reports that every candidate api base was rejected.
type VersionNegotiationError struct {
	Kind       string
	Candidates []string
	Err        error
}

// Error implements the error interface.
func (e *VersionNegotiationError) Error() string {
	return fmt.Sprintf("no api base available for %s (tried %s): %v",
		e.Kind, strings.Join(e.Candidates, ", "), e.Err)
}

// Unwrap returns the error of the last candidate.
func (e *VersionNegotiationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrVersionNegotiation.
func (e *VersionNegotiationError) Is(target error) bool {
	return target == ErrVersionNegotiation
}

// UserFacingError returns a message that can be shown to end users.
func (e *VersionNegotiationError) UserFacingError() string {
	return fmt.Sprintf("the cluster does not serve %s", e.Kind)
}

// StatusOf returns the Kubernetes Status carried by err, if any.
func StatusOf(err error) (*metav1.Status, bool) {
	var apiStatus apierrors.APIStatus
	if !errors.As(err, &apiStatus) {
		return nil, false
	}
	status := apiStatus.Status()
	return &status, true
}

// IsStaleWatch reports whether err means the watch must be restarted from a fresh list.
func IsStaleWatch(err error) bool {
	return errors.Is(err, ErrStaleWatch) || apierrors.IsGone(err) || apierrors.IsResourceExpired(err)
}

// IsAuthError reports whether err is a 401 or 403 from the API server.
func IsAuthError(err error) bool {
	return apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err)
}

// IsRetryable reports whether err is transient: timeouts, throttling, 5xx
// responses and dropped connections or streams.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrStreamBroken) {
		return true
	}
	if apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) ||
		apierrors.IsTooManyRequests(err) || apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err) || apierrors.IsUnexpectedServerError(err) {
		return true
	}
	if status, ok := StatusOf(err); ok && status.Code >= http.StatusInternalServerError {
		return true
	}
	if utilnet.IsConnectionReset(err) || utilnet.IsConnectionRefused(err) || utilnet.IsProbableEOF(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// statusFromPayload detects a failure Status object returned with a success code.
func statusFromPayload(data []byte) error {
	if !strings.Contains(string(data[:min(len(data), 256)]), `"Status"`) {
		return nil
	}
	var status metav1.Status
	if err := json.Unmarshal(data, &status); err != nil || status.Kind != "Status" {
		return nil
	}
	if status.Status == metav1.StatusFailure {
		return apierrors.FromObject(&status)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
