package distributed

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy: every error returned by this package wraps exactly one of these, and can be tested with errors.Is.
var (
	// ErrConfig is returned for invalid arguments, detected before any communication.
	ErrConfig = errors.New("invalid configuration")

	// ErrInconsistent is returned when shards or metadata of the participants don't agree with each other.
	ErrInconsistent = errors.New("inconsistent sharded tensor")

	// ErrProtocol is returned when an assumption of a communication protocol is broken.
	ErrProtocol = errors.New("protocol violation")

	// ErrUnsupported is returned for operations or resharding cases that are not supported.
	ErrUnsupported = errors.New("unsupported")
)

func configErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrConfig, format, args...)
}

func inconsistentErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrInconsistent, format, args...)
}

func protocolErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrProtocol, format, args...)
}

func unsupportedErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrUnsupported, format, args...)
}

// communicationError is a failure of the communication group or the rpc agent. It wraps both ErrProtocol and
// the transport error, so callers can also test for context.Canceled and friends.
type communicationError struct {
	op  string
	err error
}

func commError(op string, err error) error {
	return &communicationError{op: op, err: err}
}

// Error implements error.
func (e *communicationError) Error() string {
	return e.op + " failed: " + e.err.Error()
}

// Unwrap implements the multiple errors unwrapping of the standard errors package.
func (e *communicationError) Unwrap() []error { return []error{ErrProtocol, e.err} }

// MismatchError reports a local shard that doesn't match what the global metadata declares for it.
type MismatchError struct {
	// Field that doesn't match, e.g. "size" or "dtype".
	Field string

	// IsProperty is true if the expected value comes from the TensorProperties, false if it
	// comes from the shard's ShardMetadata.
	IsProperty bool

	Expected, Actual any

	// Rank of the participant that detected the mismatch.
	Rank int
}

// Error implements error.
func (e *MismatchError) Error() string {
	source := "local ShardMetadata"
	if e.IsProperty {
		source = "tensor property"
	}
	return fmt.Sprintf("local shard %s is incompatible with %s on rank %d: %s %s=%v, local shard %s=%v",
		e.Field, source, e.Rank, source, e.Field, e.Expected, e.Field, e.Actual)
}

// Unwrap returns ErrInconsistent.
func (e *MismatchError) Unwrap() error { return ErrInconsistent }

// LoadMismatchError reports a saved sharded tensor loaded by a participant whose group position differs
// from the one that saved it.
type LoadMismatchError struct {
	// Field is one of "local rank", "global rank", "local world size" or "global world size".
	Field          string
	Saved, Current int
}

// Error implements error.
func (e *LoadMismatchError) Error() string {
	return fmt.Sprintf("%s at save time was %d, but at load time was %d", e.Field, e.Saved, e.Current)
}

// Unwrap returns ErrConfig.
func (e *LoadMismatchError) Unwrap() error { return ErrConfig }
