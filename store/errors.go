package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage is the kind of failures raised by the storage engine:
	// I/O errors and aborted transactions.
	ErrStorage = errors.New("weekcount/store: storage failure")

	// ErrSerialization is the kind of failures decoding or encoding stored bytes.
	ErrSerialization = errors.New("weekcount/store: serialization failure")

	// ErrTimestamp is the kind of failures parsing a stored timestamp.
	ErrTimestamp = errors.New("weekcount/store: invalid timestamp")
)

// OpError describes a failed store operation. errors.Is matches both the
// Kind sentinel and the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func storageErr(op string, err error) error {
	return wrap(op, ErrStorage, err)
}

func serializationErr(op string, err error) error {
	return wrap(op, ErrSerialization, err)
}

func wrap(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Kind: kind, Err: err}
}

// StorageError wraps err as an ErrStorage failure of op. It is exported for
// backends living outside this package.
func StorageError(op string, err error) error {
	return storageErr(op, err)
}

// SerializationError wraps err as an ErrSerialization failure of op.
func SerializationError(op string, err error) error {
	return serializationErr(op, err)
}
