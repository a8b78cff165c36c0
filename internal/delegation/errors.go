package delegation

import (
	"errors"
	"fmt"

	"github.com/querymt/qmt/internal/domain"
)

// errTimeout is returned when a child session fails to reach a terminal
// state within Config.WaitTimeout.
var errTimeout = errors.New("delegation: wait_timeout_secs elapsed before the child session completed")

// errStopped wraps the child session's MiddlewareStopped reason as the
// parent delegation's failure reason.
func errStopped(data domain.MiddlewareStoppedData) error {
	return fmt.Errorf("child session stopped (%s): %s", data.StopType, data.Reason)
}

// RejectedReason enumerates why Enqueue refused a delegation without ever
// creating it.
type RejectedReason string

const (
	RejectedDuplicateActive RejectedReason = "duplicate_active"
	RejectedRetryBudget     RejectedReason = "retry_budget_exhausted"
	RejectedDuplicateWindow RejectedReason = "duplicate_window"
	RejectedAdmissionFull   RejectedReason = "admission_full"
)

// RejectedError is returned by Enqueue when dedup, the retry budget, or
// the per-session admission semaphore refuses the request. It satisfies
// turn.delegationRejection so the engine can fold it into a normal IsError
// tool result instead of aborting the turn.
type RejectedError struct {
	SessionID string
	Reason    RejectedReason
	Message   string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// DelegationRejected returns the user-visible warning the engine attaches
// to the tool call's ToolResultPart.
func (e *RejectedError) DelegationRejected() string {
	return e.Message
}

// IsRejectedError reports whether err is a delegation rejection, mirroring
// permission.IsRejectedError.
func IsRejectedError(err error) bool {
	_, ok := err.(*RejectedError)
	return ok
}

func newRejection(sessionID string, reason RejectedReason, format string, args ...any) *RejectedError {
	return &RejectedError{
		SessionID: sessionID,
		Reason:    reason,
		Message:   fmt.Sprintf(format, args...),
	}
}
