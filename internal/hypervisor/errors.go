package hypervisor

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the referenced container does not exist on the
// hypervisor. Delete treats it as success; Status maps it to StateAbsent.
var ErrNotFound = errors.New("container not found")

// Kind classifies a hypervisor failure for the retry policy.
type Kind int

const (
	// KindTransient failures (timeouts, temporary host unavailability) are
	// worth retrying with backoff.
	KindTransient Kind = iota
	// KindPermanent failures (invalid config, resource exhausted) will not
	// succeed on retry.
	KindPermanent
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified hypervisor failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hypervisor %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure of op.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsTransient reports whether err is a classified transient failure.
func IsTransient(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == KindTransient
}

// IsPermanent reports whether err is a classified permanent failure.
// Unclassified errors are treated as permanent by callers, so this only
// answers for explicitly classified ones.
func IsPermanent(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == KindPermanent
}

// IsNotFound reports whether err indicates an absent container.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
