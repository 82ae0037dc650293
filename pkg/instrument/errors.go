package instrument

import (
	"errors"
	"fmt"
)

// CommunicationError is returned for any transport-level failure talking to
// the instrument or the waveform generator. It is always fatal to a sweep.
type CommunicationError struct {
	Device string
	Op     string
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Device, e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// IsCommunicationError reports whether err or any error it wraps is a
// CommunicationError.
func IsCommunicationError(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}

// ServerError is reported by the Nanonis server in the error block of a
// response.
type ServerError struct {
	Status      uint32
	Description string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Description)
}
