package toolagent

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is the tagged error every RPC failure is normalized into. Callers
// branch on Retryable instead of inspecting transport error shapes.
type Error struct {
	Code      codes.Code
	Retryable bool
	Message   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool agent: %s (code=%s retryable=%t)", e.Message, e.Code, e.Retryable)
}

// normalizeError is the single point where transport failures become tagged
// errors. Unavailable, resource-exhausted, aborted and deadline-exceeded are
// transient; invalid-argument, permission-denied and everything else are not.
func normalizeError(err error) *Error {
	st, _ := status.FromError(err)
	code := st.Code()

	retryable := false
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
		retryable = true
	}

	return &Error{Code: code, Retryable: retryable, Message: st.Message()}
}
