package bridge

import "fmt"

// Stable error kinds surfaced in error events and API responses.
const (
	KindRPCTimeout        = "rpc_timeout"
	KindRPCError          = "rpc_error"
	KindChildCrashed      = "child_crashed"
	KindApprovalStale     = "approval_stale"
	KindImmutableThreadID = "immutable_thread_id"
	KindInitializeFailed  = "initialize_failed"
	KindValidation        = "validation_error"
)

// Error is a classified bridge failure.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func errf(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to rpc_error.
func KindOf(err error) string {
	if be, ok := err.(*Error); ok {
		return be.Kind
	}
	return KindRPCError
}
