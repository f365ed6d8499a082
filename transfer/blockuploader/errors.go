package blockuploader

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned for caller configuration mistakes.
	ErrInvalidConfig = errors.New("invalid block uploader config")

	// ErrCanceled is returned when the upload context is done before the upload completes.
	ErrCanceled = errors.New("upload canceled")
)

// ReadError is returned when the source stream fails. It is never retried.
type ReadError struct {
	BlockIndex uint32
	Err        error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read block %d: %s", e.BlockIndex, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// TransientTransportError is a single failed block request.
type TransientTransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransientTransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("block request failed: %s", e.Err)
	}
	return fmt.Sprintf("block request failed with status %d: %s", e.StatusCode, e.Body)
}

func (e *TransientTransportError) Unwrap() error {
	return e.Err
}

// FatalTransportError is returned when a block ran out of attempts or hit a permanent error.
type FatalTransportError struct {
	BlockIndex uint32
	BlockID    string
	Attempts   int
	Err        error
}

func (e *FatalTransportError) Error() string {
	return fmt.Sprintf("block %d (%s) failed after %d attempts: %s", e.BlockIndex, e.BlockID, e.Attempts, e.Err)
}

func (e *FatalTransportError) Unwrap() error {
	return e.Err
}

// CompensationError is the failure of the cleanup delete.
type CompensationError struct {
	Target Target
	Err    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("delete %s: %s", e.Target.ID, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// UploadFailure is the single error returned for an upload that did not complete.
// Reason is the root cause, Compensation is set when the cleanup delete failed as well.
type UploadFailure struct {
	Target       Target
	Reason       error
	Compensation error
}

func (e *UploadFailure) Error() string {
	msg := fmt.Sprintf("upload %s failed: %s", e.Target.ID, e.Reason)
	if e.Compensation != nil {
		msg += fmt.Sprintf(" (cleanup: %s)", e.Compensation)
	}
	return msg
}

// Unwrap exposes only the root cause.
func (e *UploadFailure) Unwrap() error {
	return e.Reason
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	return e.err.Error()
}

func (e permanentError) Unwrap() error {
	return e.err
}

// Permanent marks a BlockStore error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
