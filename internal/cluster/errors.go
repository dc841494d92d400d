package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by session accessors when the cluster has no
	// open session.
	ErrNotConnected = errors.New("cluster is not connected")

	// ErrInvalidState indicates an operation that the current connection state
	// does not allow, such as refreshing a disconnected cluster.
	ErrInvalidState = errors.New("invalid cluster state")

	// ErrRefreshFailed indicates that credentials could not be reloaded. The
	// cluster is disconnected and needs user action before reconnecting.
	ErrRefreshFailed = errors.New("failed to refresh cluster credentials")

	// ErrClusterNotFound indicates an unknown cluster ID.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrManagerClosed is returned by a Manager after Close.
	ErrManagerClosed = errors.New("cluster manager is closed")
)

// StateError describes a rejected state transition.
type StateError struct {
	ClusterID string
	From      State
	To        State
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("cluster %s: cannot go from %s to %s", e.ClusterID, e.From, e.To)
}

// Unwrap returns ErrInvalidState.
func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// ConnectError wraps a failure to open a session.
type ConnectError struct {
	ClusterID string
	Context   string
	Err       error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to cluster %s (context %q): %v", e.ClusterID, e.Context, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// UserFacingError returns a message that does not expose kubeconfig details.
func (e *ConnectError) UserFacingError() string {
	return fmt.Sprintf("failed to connect to cluster %q", e.Context)
}
