package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"strings"
)

// ErrorKind classifies why a source could not produce layers.
type ErrorKind string

const (
	KindProbeIncomplete   ErrorKind = "probe_incomplete"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindFormat            ErrorKind = "format_error"
	KindChainResolution   ErrorKind = "chain_resolution_error"
	KindSubprocessFailure ErrorKind = "subprocess_failure"
	KindIO                ErrorKind = "io_error"
	KindContractViolation ErrorKind = "contract_violation"
)

// Sentinels usable with errors.Is against any *SourceError of the same kind.
var (
	ErrProbeIncomplete   = &SourceError{Kind: KindProbeIncomplete}
	ErrPermissionDenied  = &SourceError{Kind: KindPermissionDenied}
	ErrFormat            = &SourceError{Kind: KindFormat}
	ErrChainResolution   = &SourceError{Kind: KindChainResolution}
	ErrSubprocessFailure = &SourceError{Kind: KindSubprocessFailure}
	ErrIO                = &SourceError{Kind: KindIO}
	ErrContractViolation = &SourceError{Kind: KindContractViolation}
)

// SourceError is returned by every backend. It names the backend, and where
// known the layer and path, so the caller can decide whether to fall back.
type SourceError struct {
	Kind       ErrorKind `json:"kind"`
	Backend    string    `json:"backend,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	Layer      string    `json:"layer,omitempty"`
	Path       string    `json:"path,omitempty"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *SourceError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	if e.Backend != "" {
		b.WriteString(":")
		b.WriteString(e.Backend)
	}
	b.WriteString("] ")
	if e.Operation != "" {
		b.WriteString(e.Operation)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Layer != "" {
		fmt.Fprintf(&b, " (layer %s)", e.Layer)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %s)", e.Path)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *SourceError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SourceError of the same kind. Only the kind
// is compared so the package sentinels match any error of that kind.
func (e *SourceError) Is(target error) bool {
	t, ok := target.(*SourceError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// GetUserFriendlyMessage returns the message followed by the suggestion, if any.
func (e *SourceError) GetUserFriendlyMessage() string {
	msg := e.Error()
	if e.Suggestion != "" {
		msg += "\n\nSuggestion: " + e.Suggestion
	}
	return msg
}

// ErrorBuilder helps construct SourceError instances
type ErrorBuilder struct {
	err SourceError
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder(kind ErrorKind) *ErrorBuilder {
	return &ErrorBuilder{err: SourceError{Kind: kind}}
}

// Backend sets the backend that failed
func (b *ErrorBuilder) Backend(backend string) *ErrorBuilder {
	b.err.Backend = backend
	return b
}

// Operation sets the operation context
func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.err.Operation = operation
	return b
}

// Layer sets the layer digest or identifier
func (b *ErrorBuilder) Layer(layer string) *ErrorBuilder {
	b.err.Layer = layer
	return b
}

// Path sets the offending path or archive entry
func (b *ErrorBuilder) Path(path string) *ErrorBuilder {
	b.err.Path = path
	return b
}

// Message sets the error message
func (b *ErrorBuilder) Message(message string) *ErrorBuilder {
	b.err.Message = message
	return b
}

// Messagef sets the error message with formatting
func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.err.Message = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying error
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Suggestion sets a user-facing hint
func (b *ErrorBuilder) Suggestion(suggestion string) *ErrorBuilder {
	b.err.Suggestion = suggestion
	return b
}

// Build creates the SourceError instance
func (b *ErrorBuilder) Build() *SourceError {
	e := b.err
	if e.Suggestion == "" {
		e.Suggestion = defaultSuggestion(e.Kind)
	}
	return &e
}

func defaultSuggestion(kind ErrorKind) string {
	switch kind {
	case KindPermissionDenied:
		return "Re-run with sudo, or use --use-oci to read layers through the runtime CLI"
	case KindFormat:
		return "Check that the archive was produced by `docker save`, `podman save` or is an OCI layout"
	case KindChainResolution:
		return "The image may be stored by a different driver or snapshotter; try --use-oci"
	case KindSubprocessFailure:
		return "Verify the image exists locally and the runtime CLI works without sudo"
	case KindProbeIncomplete:
		return "Install Docker or Podman, or pass a tar archive / OCI layout path"
	case KindIO:
		return "Check that the path exists and is readable"
	default:
		return ""
	}
}

// Common constructors for frequently used kinds

// NewFormatError creates an error for an archive or manifest that does not match a known layout
func NewFormatError(backend, entry, message string, cause error) *SourceError {
	return NewErrorBuilder(KindFormat).
		Backend(backend).
		Path(entry).
		Message(message).
		Cause(cause).
		Build()
}

// NewChainResolutionError creates an error for layer metadata that cannot be found on disk
func NewChainResolutionError(backend, layer, message string, cause error) *SourceError {
	return NewErrorBuilder(KindChainResolution).
		Backend(backend).
		Layer(layer).
		Message(message).
		Cause(cause).
		Build()
}

// NewSubprocessError creates an error for a failed external command
func NewSubprocessError(backend, command, message string, cause error) *SourceError {
	return NewErrorBuilder(KindSubprocessFailure).
		Backend(backend).
		Operation(command).
		Message(message).
		Cause(cause).
		Build()
}

// FromOS classifies an operating system error as PermissionDenied or IOError.
// SourceErrors pass through unchanged.
func FromOS(backend, layer, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *SourceError
	if stderrors.As(err, &se) {
		return err
	}
	kind := KindIO
	msg := "read failed"
	if stderrors.Is(err, fs.ErrPermission) {
		kind = KindPermissionDenied
		msg = "permission denied"
	}
	return NewErrorBuilder(kind).
		Backend(backend).
		Layer(layer).
		Path(path).
		Message(msg).
		Cause(err).
		Build()
}

// WithBackend fills in the backend of a SourceError that was raised by a
// backend-agnostic helper. Other errors are returned unchanged.
func WithBackend(err error, backend string) error {
	var se *SourceError
	if !stderrors.As(err, &se) || se.Backend != "" {
		return err
	}
	c := *se
	c.Backend = backend
	return &c
}

// KindOf returns the kind of the first SourceError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var se *SourceError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Is and As re-export the standard library helpers so callers importing this
// package under the name errors keep access to them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
