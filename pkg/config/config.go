package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the daemon and calibration settings.
type Config interface {
	NanonisAddress() string
	NanonisTimeout() time.Duration
	AWGAddress() string
	AWGSampleRate() float64

	SafeBiasVoltage() float64
	SafeSetpointCurrent() float64
	SafePosition() (x, y float64)
	HeightAveragingDelay() time.Duration

	IntegrationTime() time.Duration
	MaxAllowedAmplitudeUV() float64
	Strategy() string
	OldTransferFunction() string
	DefaultTransferFunction() float64
	SweepFrequencies() []float64
	DefaultFrequencyHz() float64
	ReferenceAmplitudesUV() []float64
	Tolerance() float64
	MaxTuningIterations() int
	SamplesPerReading() int

	DriftTracking() DriftTracking

	MQTTBroker() string
	MQTTTopicPrefix() string
	MQTTClientID() string

	Cron() string
	OutputDir() string
	Header() string
	AllowNonRootAccess() bool

	SetCron(string)
	SetOldTransferFunction(string)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error

	LogrusFields() logrus.Fields
}

// DriftTracking is the atom tracking configuration used for drift
// correction.
type DriftTracking struct {
	IGain          float64
	FrequencyHz    float64
	AmplitudeM     float64
	PhaseDeg       float64
	SwitchOffDelay time.Duration
	Duration       time.Duration
	Interval       int
}
