package docsync

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionRevoked = errors.New("permission revoked")
	ErrSyncSuperseded    = errors.New("sync superseded")
	ErrMirrorUnavailable = errors.New("mirror directory unavailable")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrSessionStopped    = errors.New("session stopped")
)

// PermissionError reports that the origin grant for a tree is no longer valid.
type PermissionError struct {
	TreeID string
	Op     string
}

func (e *PermissionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("permission revoked for %s", e.TreeID)
	}
	return fmt.Sprintf("%s: permission revoked for %s", e.Op, e.TreeID)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionRevoked
}

// OriginIOError wraps a provider failure on a single node.
type OriginIOError struct {
	Op     string
	NodeID string
	Err    error
}

func (e *OriginIOError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("origin %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("origin %s %q: %v", e.Op, e.NodeID, e.Err)
}

func (e *OriginIOError) Unwrap() error {
	return e.Err
}

func originErr(op, nodeID string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *OriginIOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &OriginIOError{Op: op, NodeID: nodeID, Err: err}
}

// IsPermissionRevoked reports whether err stems from a revoked grant.
func IsPermissionRevoked(err error) bool {
	return errors.Is(err, ErrPermissionRevoked)
}
