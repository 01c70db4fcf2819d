// Package errs defines the error taxonomy shared by the blob layer and the
// engines. Classification is a pure function of the error value: typed
// inspection first, message patterns only as a compatibility fallback for
// errors that arrive without structure.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/smithy-go"
)

// Kind partitions errors by how callers must react to them.
type Kind int

const (
	// Transient errors (timeouts, throttling, connection resets) are retried
	// with backoff.
	Transient Kind = iota
	// Data errors (decode failures, checksum mismatches) are fatal for the
	// operation and never retried.
	Data
	// Resource errors (quota, disk full) are fatal and never retried.
	Resource
	// Fatal errors (authorization, invalid credentials) are never retried.
	Fatal
	// Logic errors are precondition failures such as a second active
	// migration or a GC already in progress.
	Logic
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Data:
		return "data"
	case Resource:
		return "resource"
	case Fatal:
		return "fatal"
	case Logic:
		return "logic"
	}
	return "unknown"
}

// Error carries a kind, the failing operation, and the underlying cause.
type Error struct {
	Err  error
	Op   string
	Kind Kind
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf wraps a formatted message with a kind.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// transientAPICodes are service error codes that indicate throttling or a
// server-side hiccup and are safe to retry.
var transientAPICodes = map[string]bool{
	"ThrottlingException":            true,
	"Throttling":                     true,
	"TooManyRequestsException":       true,
	"RequestLimitExceeded":           true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                       true,
	"InternalError":                  true,
	"ServiceUnavailable":             true,
	"RequestTimeout":                 true,
}

var fatalAPICodes = map[string]bool{
	"AccessDenied":          true,
	"AccessDeniedException": true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"UnrecognizedClientException": true,
}

// Classify determines the kind of an arbitrary error.
func Classify(err error) Kind {
	if err == nil {
		return Logic
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case transientAPICodes[code]:
			return Transient
		case fatalAPICodes[code]:
			return Fatal
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return Transient
		}
		return Data
	}
	return classifyMessage(err.Error())
}

// classifyMessage is the compatibility layer for errors that reach us as
// bare strings. Kept deliberately small.
func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "throttl"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "429"):
		return Transient
	case strings.Contains(lower, "no space left"),
		strings.Contains(lower, "disk full"),
		strings.Contains(lower, "quota"):
		return Resource
	case strings.Contains(lower, "access denied"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "credential"):
		return Fatal
	}
	return Data
}

// Retryable reports whether the error should be retried with backoff.
func Retryable(err error) bool {
	return Classify(err) == Transient
}
