package pkg

import (
	"errors"
	"fmt"
)

// Error classes. Every error produced by the data path unwraps to at most
// one of these; see [Class].
var (
	// ErrResourceExhausted indicates a bounded resource (buffer pool or
	// ring) is full. Recoverable: it drives backpressure.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrDeviceNotResponding indicates no completion arrived before the
	// caller's deadline. The device is left consistent for a later retry.
	ErrDeviceNotResponding = errors.New("device not responding")

	// ErrProtocolViolation indicates corrupted ring state, a double
	// completion, a double release, or a submit that bypassed flow control.
	// Fatal to the device instance.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAttachFailure indicates an acquisition step failed during attach.
	// The device is left fully detached.
	ErrAttachFailure = errors.New("attach failure")
)

// classError is a sentinel error that belongs to an error class.
type classError struct {
	msg   string
	class error
}

func (e *classError) Error() string { return e.msg }
func (e *classError) Unwrap() error { return e.class }

func newClassError(class error, msg string) error {
	return &classError{msg: msg, class: class}
}

// Resource errors.
var (
	// ErrOutOfMemory indicates the DMA buffer pool has no free slot.
	ErrOutOfMemory = newClassError(ErrResourceExhausted, "out of DMA memory")

	// ErrRingFull indicates a descriptor ring has no free slot.
	ErrRingFull = newClassError(ErrResourceExhausted, "descriptor ring full")
)

// Protocol errors.
var (
	// ErrOwnership indicates a buffer was accessed by the wrong owner.
	ErrOwnership = newClassError(ErrProtocolViolation, "buffer owned by device")

	// ErrDoubleRelease indicates a buffer was released more than once.
	ErrDoubleRelease = newClassError(ErrProtocolViolation, "buffer released twice")

	// ErrDoubleCompletion indicates a descriptor was completed twice.
	ErrDoubleCompletion = newClassError(ErrProtocolViolation, "descriptor completed twice")

	// ErrRingCorrupt indicates inconsistent ring indices or flags.
	ErrRingCorrupt = newClassError(ErrProtocolViolation, "descriptor ring corrupt")

	// ErrLeak indicates buffers were still outstanding when a pool closed.
	ErrLeak = newClassError(ErrProtocolViolation, "buffers leaked")

	// ErrFaulted indicates the device instance hit a protocol violation
	// and only accepts detach.
	ErrFaulted = newClassError(ErrProtocolViolation, "device faulted")
)

// General errors.
var (
	// ErrNoDevice indicates the register window does not identify a
	// supported device.
	ErrNoDevice = errors.New("device not present")

	// ErrNotAttached indicates the device is not attached.
	ErrNotAttached = errors.New("device not attached")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrTransferFailed indicates the device reported a failed transfer.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrAlreadyRunning indicates the component is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the component is not running.
	ErrNotRunning = errors.New("not running")
)

// Class returns the error class of err: one of [ErrResourceExhausted],
// [ErrDeviceNotResponding], [ErrProtocolViolation] or [ErrAttachFailure].
// It returns nil if err belongs to no class.
func Class(err error) error {
	for _, class := range []error{
		ErrProtocolViolation,
		ErrAttachFailure,
		ErrDeviceNotResponding,
		ErrResourceExhausted,
	} {
		if errors.Is(err, class) {
			return class
		}
	}
	return nil
}

// Violation wraps err as a protocol violation unless it already is one.
func Violation(err error) error {
	if err == nil || errors.Is(err, ErrProtocolViolation) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
}

// TransferStatus represents the completion status of a descriptor.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusPending  TransferStatus = iota // Owned by the device
	TransferStatusSuccess                        // Completed successfully
	TransferStatusError                          // Device reported an error
	TransferStatusAborted                        // Reclaimed at detach without completion
	TransferStatusOverrun                        // Device reported more bytes than the buffer holds
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusPending:
		return "pending"
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusAborted:
		return "aborted"
	case TransferStatusOverrun:
		return "overrun"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusPending:
		return ErrBusy
	case TransferStatusAborted:
		return ErrNotAttached
	case TransferStatusError:
		return ErrTransferFailed
	case TransferStatusOverrun:
		return ErrRingCorrupt
	default:
		return ErrProtocolViolation
	}
}
