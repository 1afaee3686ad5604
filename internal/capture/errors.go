package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceBusy is returned by Open while another handle holds the device.
	ErrDeviceBusy = errors.New("capture device busy")
	// ErrHandleClosed is returned by reads on a handle that has been closed.
	ErrHandleClosed = errors.New("capture handle closed")

	errStreamClosed = errors.New("capture stream closed")
)

// OpenError reports that the driver could not acquire the device.
type OpenError struct {
	Driver string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s capture device: %v", e.Driver, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// CaptureFault reports an unrecoverable read failure. The source is faulted
// until the device is reopened.
type CaptureFault struct {
	Attempts int
	Err      error
}

func (e *CaptureFault) Error() string {
	return fmt.Sprintf("capture fault after %d attempts: %v", e.Attempts, e.Err)
}

func (e *CaptureFault) Unwrap() error {
	return e.Err
}
