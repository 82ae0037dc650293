package engine

import (
	"errors"

	"github.com/charlie0129/tfcal/pkg/instrument"
)

var (
	// ErrInvalidConfig is wrapped by every configuration error returned by New.
	ErrInvalidConfig = errors.New("invalid calibration config")
	// ErrReferenceNotBuilt is returned when tuning or sweeping before
	// BuildReference has completed.
	ErrReferenceNotBuilt = errors.New("reference curve has not been built")
)

// commError makes sure a collaborator failure surfaces as a
// CommunicationError, whatever the binding returned.
func commError(op string, err error) error {
	if err == nil {
		return nil
	}
	if instrument.IsCommunicationError(err) {
		return err
	}
	return &instrument.CommunicationError{Device: "instrument", Op: op, Err: err}
}
