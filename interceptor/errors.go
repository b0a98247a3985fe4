package interceptor

import "errors"

// StatusCode is the four-way result spec.md §6 requires every
// attach/replace call to report.
type StatusCode int

const (
	AttachOK StatusCode = iota
	AttachWrongSignature
	AttachAlreadyAttached
	AttachPolicyViolation

	ReplaceOK
	ReplaceWrongSignature
	ReplaceAlreadyReplaced
)

func (s StatusCode) String() string {
	switch s {
	case AttachOK:
		return "AttachOK"
	case AttachWrongSignature:
		return "AttachWrongSignature"
	case AttachAlreadyAttached:
		return "AttachAlreadyAttached"
	case AttachPolicyViolation:
		return "AttachPolicyViolation"
	case ReplaceOK:
		return "ReplaceOK"
	case ReplaceWrongSignature:
		return "ReplaceWrongSignature"
	case ReplaceAlreadyReplaced:
		return "ReplaceAlreadyReplaced"
	default:
		return "unknown"
	}
}

// StatusError wraps a non-OK StatusCode as an error, so callers that just
// want an error/nil can use errors.As/errors.Is while callers that want
// the finer-grained code can still recover it.
type StatusError struct {
	Code  StatusCode
	cause error
}

func (e *StatusError) Error() string {
	if e.cause != nil {
		return "interceptor: " + e.Code.String() + ": " + e.cause.Error()
	}
	return "interceptor: " + e.Code.String()
}

func (e *StatusError) Unwrap() error { return e.cause }

func newStatusError(code StatusCode, cause error) (StatusCode, error) {
	return code, &StatusError{Code: code, cause: cause}
}

// ErrUnrelocatableTarget is wrapped by AttachWrongSignature/
// ReplaceWrongSignature StatusErrors when trampoline.Build rejected the
// target (too short to relocate, or unreachable from any code slab).
var ErrUnrelocatableTarget = errors.New("interceptor: target function cannot be hooked")

// ErrAlreadyReplaced is wrapped by ReplaceAlreadyReplaced.
var ErrAlreadyReplaced = errors.New("interceptor: target already has a replacement installed")

// ErrInvocationStackOverflow is the hard failure spec.md §9's decided
// Open Question #2 names: a single thread recursed through hooked calls
// past maxInvocationDepth. It terminates the process like any other
// panic, per spec.md §7's "hard failure terminates the process."
var ErrInvocationStackOverflow = errors.New("interceptor: invocation stack exceeded maximum depth")
