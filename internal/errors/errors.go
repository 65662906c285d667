// Package errors provides the error taxonomy shared by every component.
// Each failure carries a Kind that decides how it propagates: credential
// errors end the session, everything else is absorbed as a tier fallthrough
// or a resumed-listening state.
package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind classifies an error by how the system reacts to it.
type Kind uint8

const (
	KindInternal    Kind = iota
	KindBootstrap        // synthesis library load or probe failed/timed out
	KindCredential       // auth-class rejection from the validation endpoint
	KindNegotiation      // relay, ICE or SDP exchange failed
	KindSynthesis        // a single speak call failed
	KindTurn             // backend call failed or timed out
	KindProtocol         // unparsable stream line or control payload
	KindAudio            // audio runtime or signal failure
	KindConfig           // invalid parameter or configuration
)

var kindNames = [...]string{
	KindInternal:    "internal",
	KindBootstrap:   "bootstrap",
	KindCredential:  "credential",
	KindNegotiation: "negotiation",
	KindSynthesis:   "synthesis",
	KindTurn:        "turn",
	KindProtocol:    "protocol",
	KindAudio:       "audio",
	KindConfig:      "config",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// MarshalText lets kinds appear by name in JSON events.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// grpcCodeMap maps kinds to gRPC status codes.
var grpcCodeMap = map[Kind]codes.Code{
	KindInternal:    codes.Internal,
	KindBootstrap:   codes.Unavailable,
	KindCredential:  codes.Unauthenticated,
	KindNegotiation: codes.Unavailable,
	KindSynthesis:   codes.Internal,
	KindTurn:        codes.Unavailable,
	KindProtocol:    codes.DataLoss,
	KindAudio:       codes.FailedPrecondition,
	KindConfig:      codes.InvalidArgument,
}

// AppError is the base error type with a kind and metadata.
type AppError struct {
	Kind      Kind
	Message   string
	Metadata  map[string]string
	Cause     error
	Retryable bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Kind]; ok {
		return c
	}
	return codes.Unknown
}

// New creates a new AppError with the given kind and message.
func New(kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// AsRetryable marks the error as transient.
func (e *AppError) AsRetryable() *AppError {
	e.Retryable = true
	return e
}

// From returns the first AppError in err's chain, if any.
func From(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf extracts the kind from any wrapped error; plain errors are internal.
func KindOf(err error) Kind {
	if appErr, ok := From(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind checks if an error has a specific kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := From(err)
	return ok && appErr.Kind == kind
}

// IsFatal reports whether err ends the session. Only credential errors do.
func IsFatal(err error) bool {
	return IsKind(err, KindCredential)
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	appErr, ok := From(err)
	if !ok {
		return false
	}
	if appErr.Retryable {
		return true
	}
	return appErr.Kind == KindNegotiation
}

// Message returns the human-readable message for UI events.
func Message(err error) string {
	if appErr, ok := From(err); ok {
		return appErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
