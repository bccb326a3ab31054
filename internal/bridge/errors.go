package bridge

import (
	"errors"
	"fmt"

	"modbus-bridge/internal/db"
)

// ErrMalformed marks payloads that can never be processed; they are
// dropped without a retry or reconnect.
var ErrMalformed = errors.New("malformed payload")

// Kind classifies a processing failure; retry policy follows the kind.
type Kind int

const (
	KindMalformed Kind = iota
	KindStore
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindStore:
		return "store"
	case KindTransport:
		return "transport"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the result of a failed ingest or dispatch step.
type Error struct {
	Kind     Kind
	Op       string
	DeviceID int64
	Err      error
}

func (e *Error) Error() string {
	if e.DeviceID != 0 {
		return fmt.Sprintf("%s %s (device %d): %v", e.Kind, e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt can succeed. Store and
// transport failures are transient; malformed input is not.
func (e *Error) Retryable() bool { return e.Kind != KindMalformed }

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Retryable()
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// storeFailure wraps a store error. When the connection itself failed, the
// handle the caller used is dropped so the next use reconnects without
// probing.
func storeFailure(guard *db.Guardian, used *db.DB, op string, deviceID int64, err error) error {
	if db.IsConnectionError(err) {
		guard.Invalidate(used)
	}
	return &Error{Kind: KindStore, Op: op, DeviceID: deviceID, Err: err}
}
