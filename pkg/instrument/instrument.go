// Package instrument defines the collaborators the calibration engine talks
// to: the scanning-probe controller (Instrument) and the arbitrary waveform
// generator (WaveformGenerator). It also ships the TCP bindings used in the
// lab: a Nanonis TCP client and a Keysight M8195A SCPI client.
package instrument

import "time"

// Subsystem names a part of the drift-correction (atom tracking) module.
type Subsystem uint16

const (
	SubsystemModulation Subsystem = iota
	SubsystemController
	SubsystemDriftMeasurement
)

func (s Subsystem) String() string {
	switch s {
	case SubsystemModulation:
		return "Modulation"
	case SubsystemController:
		return "Controller"
	case SubsystemDriftMeasurement:
		return "DriftMeasurement"
	default:
		return "Unknown"
	}
}

// DriftProfile holds the parameters of the drift-correction controller.
type DriftProfile struct {
	IGain          float64       `json:"iGain"`
	FrequencyHz    float64       `json:"frequency_Hz"`
	AmplitudeM     float64       `json:"amplitude_m"`
	PhaseDeg       float64       `json:"phase_deg"`
	SwitchOffDelay time.Duration `json:"switchOffDelay"`
}

// Instrument is the scanning-probe controller.
//
// Every call is blocking and must be observed by the instrument before it
// returns, so that a subsequent detector reading reflects all prior writes.
type Instrument interface {
	ReadDetectorCurrent() (float64, error)

	SetBiasVoltage(volts float64) error
	SetCurrentSetpoint(amperes float64) error

	ControllerActive() (bool, error)
	SetControllerActive(on bool) error
	SetHeightAveragingDelay(d time.Duration) error

	MoveToPosition(x, y float64, waitForCompletion bool) error

	SetDriftTrackingParameters(p DriftProfile) error
	SetDriftTrackingSubsystem(s Subsystem, on bool) error
}

// WaveformGenerator is the arbitrary waveform generator driving the tip.
// Amplitudes are in microvolts.
type WaveformGenerator interface {
	ConfigureContinuousSine(channel int, frequencyHz float64, numPeriods int, startingAmplitudeUV float64, approximateFrequency bool) error
	UpdateAmplitude(amplitudeUV float64) error
}
