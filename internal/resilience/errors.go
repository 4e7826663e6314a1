package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Kind classifies a failure for retry and propagation decisions.
type Kind int

const (
	// KindNone is the zero value; it never describes a real failure.
	KindNone Kind = iota
	// TransientIO covers network blips, throttling and 5xx responses. Retried.
	TransientIO
	// PermanentInput covers malformed or unusable input. Never retried.
	PermanentInput
	// InsufficientMapping means the schema mapping missed required fields.
	InsufficientMapping
	// StageTimeout means a single attempt exceeded its deadline. Retried.
	StageTimeout
	// BranchFailed marks a branch that terminated without a result.
	BranchFailed
	// RunTimeout means the join deadline expired before a branch finished.
	RunTimeout
	// RenderFailed means the report could not be produced or written.
	RenderFailed
	// Cancelled means the run was cancelled while the task was in flight.
	Cancelled
)

var kindNames = map[Kind]string{
	KindNone:            "",
	TransientIO:         "transient_io",
	PermanentInput:      "permanent_input",
	InsufficientMapping: "insufficient_mapping",
	StageTimeout:        "stage_timeout",
	BranchFailed:        "branch_failed",
	RunTimeout:          "run_timeout",
	RenderFailed:        "render_failed",
	Cancelled:           "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind as its snake_case name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a snake_case kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return eris.Errorf("resilience: unknown error kind %q", string(b))
}

// Retryable reports whether the executor retries failures of this kind.
func (k Kind) Retryable() bool {
	return k == TransientIO || k == StageTimeout
}

// Error is a classified failure raised by a stage or collaborator.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E classifies err under kind. A nil err yields a bare error of that kind.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: eris.Errorf(format, args...)}
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// FromHTTPStatus classifies a non-2xx response. Transient statuses become
// TransientError so callers using IsTransient see them as retryable.
func FromHTTPStatus(op string, statusCode int, err error) error {
	if err == nil {
		err = eris.Errorf("unexpected status %d", statusCode)
	}
	if IsTransientHTTPStatus(statusCode) {
		return &Error{Kind: TransientIO, Op: op, Err: NewTransientError(err, statusCode)}
	}
	return &Error{Kind: PermanentInput, Op: op, Err: err}
}

// KindOf classifies err. Explicit *Error kinds win; otherwise context
// errors, transient network patterns and TransientError are recognised and
// anything else is PermanentInput.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var ce *Error
	if errors.As(err, &ce) && ce.Kind != KindNone {
		return ce.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return StageTimeout
	case errors.Is(err, ErrCircuitOpen):
		return TransientIO
	case isTransientPattern(err):
		return TransientIO
	}
	return PermanentInput
}

// IsTransient returns true if err should be retried: a TransientIO or
// StageTimeout classification, a TransientError in the chain, or one of the
// common transient network patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

func isTransientPattern(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"rate limit",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded (Anthropic)
		return true
	default:
		return false
	}
}
