package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrUnknownOperationType is returned for operation types without an executor.
var ErrUnknownOperationType = errors.New("unknown operation type")

// Kind tells the orchestrator whether retrying can help.
type Kind string

const (
	Retryable Kind = "retryable"
	Terminal  Kind = "terminal"
)

// ExecutionError is the classified failure of one executor call.
type ExecutionError struct {
	Kind    Kind
	Network bool
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.Cause == nil {
		return string(e.Kind) + " execution error"
	}
	return e.Cause.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Retryable reports whether another attempt may succeed.
func (e *ExecutionError) Retryable() bool { return e.Kind == Retryable }

// NetworkError wraps err as a retryable network failure.
func NetworkError(err error) *ExecutionError {
	return &ExecutionError{Kind: Retryable, Network: true, Cause: err}
}

// TerminalError wraps err as a failure that retrying cannot fix.
func TerminalError(err error) *ExecutionError {
	return &ExecutionError{Kind: Terminal, Cause: err}
}

// StatusError is returned by HTTP transports for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// Classify maps any executor error to an ExecutionError. Already classified
// errors are returned unchanged; unrecognized errors are retryable but not
// attributed to the network.
func Classify(err error) *ExecutionError {
	if err == nil {
		return nil
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	if errors.Is(err, ErrUnknownOperationType) {
		return TerminalError(err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkError(err)
	}
	if errors.Is(err, context.Canceled) {
		return &ExecutionError{Kind: Retryable, Cause: err}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusTooManyRequests,
			statusErr.Code == http.StatusRequestTimeout,
			statusErr.Code >= http.StatusInternalServerError:
			return NetworkError(err)
		case statusErr.Code >= http.StatusBadRequest:
			return TerminalError(err)
		}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
			return NetworkError(err)
		case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists,
			codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented, codes.OutOfRange:
			return TerminalError(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkError(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NetworkError(err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return NetworkError(err)
	}

	return &ExecutionError{Kind: Retryable, Cause: err}
}

// IsNetwork reports whether err is a network-classified failure.
func IsNetwork(err error) bool {
	ce := Classify(err)
	return ce != nil && ce.Network
}
