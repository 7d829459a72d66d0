package recorder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Reason classifies why a check-in write failed.
type Reason string

const (
	ReasonOffline    Reason = "offline"
	ReasonTimeout    Reason = "timeout"
	ReasonPermission Reason = "permission"
	ReasonError      Reason = "error"
)

// ErrPermissionDenied lets stores signal an authorization failure that
// should not be retried as a network problem.
var ErrPermissionDenied = errors.New("permission denied")

// CheckInError is the unrecoverable outcome: the primary write and both
// fallbacks failed.
type CheckInError struct {
	Reason Reason
	Err    error
}

func (e *CheckInError) Error() string {
	return fmt.Sprintf("check-in unrecoverable (%s): %v", e.Reason, e.Err)
}

func (e *CheckInError) Unwrap() error { return e.Err }

// Classify buckets a write failure into the retry/fallback taxonomy.
func Classify(err error) Reason {
	if err == nil {
		return ReasonError
	}
	if errors.Is(err, ErrPermissionDenied) {
		return ReasonPermission
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonOffline
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"):
		return ReasonOffline
	case strings.Contains(msg, "permission denied"):
		return ReasonPermission
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ReasonTimeout
	default:
		return ReasonError
	}
}
