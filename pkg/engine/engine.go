// Package engine implements the closed-loop transfer-function calibration:
// the safety controller, the reference curve builder, the starting-amplitude
// estimator, the amplitude tuner and the sweep orchestrator.
//
// An Engine is not safe for concurrent use. Callers must serialize
// BuildReference, RunSweep, Run and Escape.
package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/instrument"
)

const (
	// DefaultStartingAmplitudeUV is used when no strategy can produce a guess.
	DefaultStartingAmplitudeUV = 100_000
	DefaultTolerance           = 0.01
	DefaultMaxTuningIterations = 100

	// maxExtensionIterations bounds the search for 1.5x the reference current.
	maxExtensionIterations = 10_000
	// extensionTarget is the current ratio the ceiling search aims for.
	extensionTarget = 1.5
	awgChannel      = 1
	settleTime      = time.Millisecond
)

// SafetyProfile is the safe idle configuration of the instrument.
type SafetyProfile struct {
	BiasVoltage          float64
	SetpointCurrent      float64
	X                    float64
	Y                    float64
	HeightAveragingDelay time.Duration
}

// DriftCorrection configures the periodic drift correction (atom tracking).
type DriftCorrection struct {
	Profile  instrument.DriftProfile
	Duration time.Duration
	// Interval is the number of swept frequencies between two drift
	// corrections. Zero or less disables drift correction.
	Interval int
}

// Config is the immutable configuration of an Engine.
type Config struct {
	Safety SafetyProfile
	Drift  DriftCorrection

	IntegrationTime       time.Duration
	MaxAllowedAmplitudeUV float64

	Strategy            calibration.Strategy
	OldTransferFunction calibration.TransferFunction
	// DefaultTransferFunction is the transfer function value at the
	// reference frequency. Zero means: take it from OldTransferFunction if it
	// contains the reference frequency, otherwise 1.
	DefaultTransferFunction float64

	SweepFrequencies      []float64
	DefaultFrequencyHz    float64
	ReferenceAmplitudesUV []float64

	Tolerance           float64
	MaxTuningIterations int
	// SamplesPerReading averages this many detector readings per sample.
	SamplesPerReading int
}

// Observer receives progress notifications. All methods are called
// synchronously from the goroutine running the engine.
type Observer interface {
	PhaseChanged(phase calibration.Phase)
	ReferenceBuilt(ref calibration.ReferenceState, curve calibration.ReferenceCurve)
	FrequencyTuned(step, total int, result calibration.TuningResult, sample calibration.Sample)
}

type nopObserver struct{}

func (nopObserver) PhaseChanged(calibration.Phase) {}
func (nopObserver) ReferenceBuilt(calibration.ReferenceState, calibration.ReferenceCurve) {
}
func (nopObserver) FrequencyTuned(int, int, calibration.TuningResult, calibration.Sample) {}

// Engine runs transfer-function calibrations against one instrument and one
// waveform generator. The engine references but does not own them.
type Engine struct {
	cfg       Config
	inst      instrument.Instrument
	awg       instrument.WaveformGenerator
	sleep     SleepFunc
	settle    time.Duration
	observer  Observer
	defaultTF float64

	curve   calibration.ReferenceCurve
	ref     *calibration.ReferenceState
	current calibration.TransferFunction
}

// Option applies an option to the Engine.
type Option func(*Engine)

// WithSleeper replaces the cancellable wait used for integration times and
// drift correction holds.
func WithSleeper(s SleepFunc) Option { return func(e *Engine) { e.sleep = s } }

// WithObserver registers a progress observer.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// New validates cfg, applies the drift correction profile to the instrument
// and returns a ready Engine.
func New(inst instrument.Instrument, awg instrument.WaveformGenerator, cfg Config, opts ...Option) (*Engine, error) {
	if inst == nil || awg == nil {
		return nil, fmt.Errorf("%w: instrument and waveform generator are required", ErrInvalidConfig)
	}

	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxTuningIterations == 0 {
		cfg.MaxTuningIterations = DefaultMaxTuningIterations
	}
	if cfg.SamplesPerReading <= 0 {
		cfg.SamplesPerReading = 1
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		inst:     inst,
		awg:      awg,
		sleep:    SleepContext,
		settle:   settleTime,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.defaultTF = resolveDefaultTransferFunction(cfg)

	if cfg.Strategy == calibration.StrategyKnown && len(cfg.OldTransferFunction) == 0 {
		logrus.Warn("amplitude guess strategy is known but no previous transfer function is loaded, every frequency will start from the default amplitude")
	}

	if err := e.inst.SetDriftTrackingParameters(cfg.Drift.Profile); err != nil {
		return nil, commError("apply drift correction parameters", err)
	}

	logrus.WithFields(logrus.Fields{
		"referenceFrequencyHz":    cfg.DefaultFrequencyHz,
		"defaultAmplitudeUV":      e.DefaultAmplitudeUV(),
		"defaultTransferFunction": e.defaultTF,
		"strategy":                cfg.Strategy.String(),
		"frequencies":             len(cfg.SweepFrequencies),
	}).Debug("calibration engine created")

	return e, nil
}

func validate(cfg Config) error {
	ladder := cfg.ReferenceAmplitudesUV
	if len(ladder) < 2 {
		return fmt.Errorf("%w: the reference amplitude ladder needs at least 2 entries, got %d", ErrInvalidConfig, len(ladder))
	}
	for i, a := range ladder {
		if a <= 0 || math.IsNaN(a) || math.IsInf(a, 0) {
			return fmt.Errorf("%w: reference amplitude %d is %g", ErrInvalidConfig, i, a)
		}
		if i > 0 && a <= ladder[i-1] {
			return fmt.Errorf("%w: reference amplitudes must be strictly increasing (%g after %g)", ErrInvalidConfig, a, ladder[i-1])
		}
	}
	if cfg.MaxAllowedAmplitudeUV < ladder[len(ladder)-1] {
		return fmt.Errorf("%w: maximum allowed amplitude %g uV is below the largest reference amplitude %g uV",
			ErrInvalidConfig, cfg.MaxAllowedAmplitudeUV, ladder[len(ladder)-1])
	}
	if cfg.DefaultFrequencyHz <= 0 {
		return fmt.Errorf("%w: default frequency must be positive, got %g", ErrInvalidConfig, cfg.DefaultFrequencyHz)
	}
	for _, f := range cfg.SweepFrequencies {
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: sweep frequency %g is not positive", ErrInvalidConfig, f)
		}
	}
	if cfg.IntegrationTime < 0 {
		return fmt.Errorf("%w: negative integration time %s", ErrInvalidConfig, cfg.IntegrationTime)
	}
	if cfg.Tolerance <= 0 || cfg.Tolerance >= 1 {
		return fmt.Errorf("%w: tolerance must be in (0, 1), got %g", ErrInvalidConfig, cfg.Tolerance)
	}
	if cfg.MaxTuningIterations < 0 {
		return fmt.Errorf("%w: negative tuning iteration budget %d", ErrInvalidConfig, cfg.MaxTuningIterations)
	}
	if cfg.DefaultTransferFunction < 0 {
		return fmt.Errorf("%w: default transfer function must be positive, got %g", ErrInvalidConfig, cfg.DefaultTransferFunction)
	}
	if cfg.Drift.Duration < 0 {
		return fmt.Errorf("%w: negative drift correction duration %s", ErrInvalidConfig, cfg.Drift.Duration)
	}
	switch cfg.Strategy {
	case calibration.StrategyKnown, calibration.StrategyHalf, calibration.StrategyClosest:
	default:
		return fmt.Errorf("%w: unknown amplitude guess strategy %s", ErrInvalidConfig, cfg.Strategy)
	}
	return nil
}

func resolveDefaultTransferFunction(cfg Config) float64 {
	if cfg.DefaultTransferFunction > 0 {
		return cfg.DefaultTransferFunction
	}
	if v, ok := cfg.OldTransferFunction.Lookup(cfg.DefaultFrequencyHz); ok && v > 0 {
		return v
	}
	return 1
}

// DefaultAmplitudeUV is the largest configured reference amplitude. Transfer
// function values are derived from the ratio to this amplitude.
func (e *Engine) DefaultAmplitudeUV() float64 {
	return e.cfg.ReferenceAmplitudesUV[len(e.cfg.ReferenceAmplitudesUV)-1]
}

// DefaultTransferFunction is the transfer function value at the reference
// frequency.
func (e *Engine) DefaultTransferFunction() float64 { return e.defaultTF }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Curve returns a copy of the reference curve.
func (e *Engine) Curve() calibration.ReferenceCurve {
	return append(calibration.ReferenceCurve(nil), e.curve...)
}

// Reference returns the reference state, or nil if BuildReference has not
// completed.
func (e *Engine) Reference() *calibration.ReferenceState {
	if e.ref == nil {
		return nil
	}
	r := *e.ref
	return &r
}

// TransferFunction returns a copy of the samples measured in the current sweep.
func (e *Engine) TransferFunction() calibration.TransferFunction {
	return append(calibration.TransferFunction(nil), e.current...)
}

func (e *Engine) setPhase(p calibration.Phase) {
	logrus.WithField("phase", p).Debug("calibration phase")
	e.observer.PhaseChanged(p)
}
