package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/instrument"
)

// EnterSafeIdle drives inst to the safe idle state described by s: move to the
// safe position, disable the height averaging delay, switch the Z-controller
// off, write the safe bias and setpoint while it is off, then switch it back
// on. It does not depend on the sweep configuration.
//
// It is idempotent and never retried. The settle pause is not cancellable.
func EnterSafeIdle(inst instrument.Instrument, s SafetyProfile) error {
	return enterSafeIdle(inst, s, settleTime)
}

// EnterSafeIdle runs EnterSafeIdle with the engine's safety profile.
func (e *Engine) EnterSafeIdle() error {
	return enterSafeIdle(e.inst, e.cfg.Safety, e.settle)
}

func enterSafeIdle(inst instrument.Instrument, s SafetyProfile, settle time.Duration) error {
	log := logrus.WithFields(logrus.Fields{
		"operation": "safeIdle",
		"biasV":     s.BiasVoltage,
		"setpointA": s.SetpointCurrent,
		"x":         s.X,
		"y":         s.Y,
	})
	log.Info("returning to safe idle state")

	if err := inst.MoveToPosition(s.X, s.Y, false); err != nil {
		return commError("move to safe position", err)
	}
	if err := inst.SetHeightAveragingDelay(0); err != nil {
		return commError("disable height averaging delay", err)
	}

	active, err := inst.ControllerActive()
	if err != nil {
		return commError("read controller state", err)
	}
	if active {
		log.Debug("switching controller off")
		if err := inst.SetControllerActive(false); err != nil {
			return commError("switch controller off", err)
		}
	}

	time.Sleep(settle)

	if err := inst.SetBiasVoltage(s.BiasVoltage); err != nil {
		return commError("set safe bias", err)
	}
	if err := inst.SetCurrentSetpoint(s.SetpointCurrent); err != nil {
		return commError("set safe setpoint", err)
	}
	if err := inst.SetControllerActive(true); err != nil {
		return commError("switch controller on", err)
	}

	log.Debug("safe idle state reached")
	return nil
}

// Escape is invoked on any detected failure. It logs cause and returns the
// instrument to the safe idle state.
func (e *Engine) Escape(cause error) error {
	logrus.WithError(cause).Error("calibration failed, recovering to safe idle state")
	if err := e.EnterSafeIdle(); err != nil {
		logrus.WithError(err).Error("failed to recover to safe idle state")
		return err
	}
	return nil
}

// PrepareMeasurement enters the safe idle state, then sets the configured
// height averaging delay and switches the controller off so the tip height is
// held while the waveform generator drives the junction.
func (e *Engine) PrepareMeasurement() error {
	e.setPhase(calibration.PhasePreparing)
	if err := e.EnterSafeIdle(); err != nil {
		return err
	}

	d := e.cfg.Safety.HeightAveragingDelay
	logrus.WithField("heightAveragingDelay", d).Info("preparing measurement")
	if err := e.inst.SetHeightAveragingDelay(d); err != nil {
		return commError("set height averaging delay", err)
	}
	if err := e.inst.SetControllerActive(false); err != nil {
		return commError("switch controller off", err)
	}
	return nil
}
