package calibration

import (
	"fmt"
	"strings"
	"time"
)

// Phase defines phases of a calibration session.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhasePreparing Phase = "Preparing"
	PhaseReference Phase = "BuildingReference"
	PhaseSweeping  Phase = "Sweeping"
	PhaseTracking  Phase = "DriftCorrection"
	PhaseFinishing Phase = "ReturningToSafeIdle"
	PhaseError     Phase = "Error"
)

// Action defines user actions on a calibration session.
type Action string

const (
	ActionStart            Action = "Start"
	ActionAbort            Action = "Abort"
	ActionSafeIdle         Action = "SafeIdle"
	ActionSchedule         Action = "Schedule"
	ActionScheduleDisable  Action = "DisableSchedule"
	ActionSchedulePostpone Action = "PostponeSchedule"
	ActionScheduleSkip     Action = "SkipSchedule"
)

// Strategy selects how the starting amplitude of a tuning run is guessed.
type Strategy int

const (
	// StrategyKnown looks the frequency up in a previously measured transfer function.
	StrategyKnown Strategy = iota
	// StrategyHalf assumes a transmission of 0.5.
	StrategyHalf
	// StrategyClosest uses the nearest frequency already measured in the current sweep.
	StrategyClosest
)

var strategyNames = map[Strategy]string{
	StrategyKnown:   "known",
	StrategyHalf:    "half",
	StrategyClosest: "closest",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy parses the textual form of a Strategy. Unknown names are an
// error rather than a silent no-op.
func ParseStrategy(s string) (Strategy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, v := range strategyNames {
		if v == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown amplitude guess strategy %q (must be one of known, half, closest)", s)
}

func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := strategyNames[s]; !ok {
		return nil, fmt.Errorf("invalid strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Condition is a recoverable event recorded on a result instead of being
// returned as an error.
type Condition string

const (
	ConditionNone              Condition = ""
	ConditionToleranceNotReach Condition = "ToleranceNotReached"
	ConditionCeilingExceeded   Condition = "AmplitudeCeilingExceeded"
)

// CurvePoint is one (amplitude, detector current) pair of the reference curve.
type CurvePoint struct {
	AmplitudeUV float64 `json:"amplitude_uV"`
	CurrentA    float64 `json:"current_A"`
}

// ReferenceCurve holds the points recorded at the reference frequency, in
// ladder order. Amplitudes are strictly increasing.
type ReferenceCurve []CurvePoint

// Amplitudes returns the amplitudes of the curve in order.
func (c ReferenceCurve) Amplitudes() []float64 {
	out := make([]float64, len(c))
	for i, p := range c {
		out[i] = p.AmplitudeUV
	}
	return out
}

// ReferenceState is derived once from the reference curve.
type ReferenceState struct {
	FrequencyHz        float64   `json:"frequency_Hz"`
	ReferenceCurrentA  float64   `json:"referenceCurrent_A"`
	MaxSafeAmplitudeUV float64   `json:"maxSafeAmplitude_uV"`
	Condition          Condition `json:"condition,omitempty"`
}

// TuningResult is the outcome of tuning a single frequency.
type TuningResult struct {
	FrequencyHz      float64   `json:"frequency_Hz"`
	TunedAmplitudeUV float64   `json:"tunedAmplitude_uV"`
	Iterations       int       `json:"iterations"`
	Converged        bool      `json:"converged"`
	LastCurrentA     float64   `json:"lastCurrent_A"`
	Condition        Condition `json:"condition,omitempty"`
}

// Sample is one measured transfer function value.
type Sample struct {
	FrequencyHz      float64 `json:"frequency_Hz"`
	TransferFunction float64 `json:"transfer_function"`
}

// TransferFunction is an ordered list of samples.
type TransferFunction []Sample

// Lookup returns the value recorded for exactly frequencyHz.
func (tf TransferFunction) Lookup(frequencyHz float64) (float64, bool) {
	for _, s := range tf {
		if s.FrequencyHz == frequencyHz {
			return s.TransferFunction, true
		}
	}
	return 0, false
}

// Status is a synthesized view model exposed via the daemon HTTP API.
type Status struct {
	Phase         Phase           `json:"phase"`
	Step          int             `json:"step"`
	TotalSteps    int             `json:"totalSteps"`
	FrequencyHz   float64         `json:"frequency_Hz,omitempty"`
	Reference     *ReferenceState `json:"reference,omitempty"`
	Samples       int             `json:"samples"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    time.Time       `json:"finishedAt"`
	CanAbort      bool            `json:"canAbort"`
	Message       string          `json:"message"`
	ScheduledAt   time.Time       `json:"scheduledAt"`
	NotConverged  int             `json:"notConverged"`
	CeilingEvents int             `json:"ceilingEvents"`
	LastError     string          `json:"lastError,omitempty"`
	Record        string          `json:"record,omitempty"`
}

// SweepRequest is the optional body of a sweep start request.
type SweepRequest struct {
	Header string `json:"header,omitempty"`
}

// ScheduleResponse describes the active recalibration schedule.
type ScheduleResponse struct {
	Cron     string      `json:"cron"`
	NextRuns []time.Time `json:"nextRuns"`
}
