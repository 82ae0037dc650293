package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/instrument"
)

var errLinkDown = errors.New("connection reset by peer")

// bench wires a fake instrument and a fake waveform generator to a detector
// model.
type bench struct {
	inst  *fakeInstrument
	awg   *fakeAWG
	model func(frequencyHz, amplitudeUV float64) float64
}

func newBench(model func(f, a float64) float64) *bench {
	b := &bench{model: model}
	b.inst = &fakeInstrument{bench: b, subsystems: map[instrument.Subsystem]bool{}}
	b.awg = &fakeAWG{}
	return b
}

type fakeInstrument struct {
	bench *bench

	calls        []string
	controllerOn bool
	subsystems   map[instrument.Subsystem]bool
	profiles     []instrument.DriftProfile
	reads        int
	// failAt makes the named call fail once it has been made failAfter times.
	failAt    string
	failAfter int
	counts    map[string]int
	// unsafeWrites counts bias/setpoint writes while the controller is on.
	unsafeWrites int
}

func (f *fakeInstrument) record(name string, args ...any) error {
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[name]++
	if len(args) > 0 {
		f.calls = append(f.calls, fmt.Sprintf("%s%v", name, args))
	} else {
		f.calls = append(f.calls, name)
	}
	if f.failAt == name && f.counts[name] > f.failAfter {
		return errLinkDown
	}
	return nil
}

func (f *fakeInstrument) ReadDetectorCurrent() (float64, error) {
	if err := f.record("ReadDetectorCurrent"); err != nil {
		return 0, err
	}
	f.reads++
	return f.bench.model(f.bench.awg.freq, f.bench.awg.amp), nil
}

func (f *fakeInstrument) SetBiasVoltage(v float64) error {
	if f.controllerOn {
		f.unsafeWrites++
	}
	return f.record("SetBiasVoltage", v)
}

func (f *fakeInstrument) SetCurrentSetpoint(a float64) error {
	if f.controllerOn {
		f.unsafeWrites++
	}
	return f.record("SetCurrentSetpoint", a)
}

func (f *fakeInstrument) ControllerActive() (bool, error) {
	if err := f.record("ControllerActive"); err != nil {
		return false, err
	}
	return f.controllerOn, nil
}

func (f *fakeInstrument) SetControllerActive(on bool) error {
	if err := f.record("SetControllerActive", on); err != nil {
		return err
	}
	f.controllerOn = on
	return nil
}

func (f *fakeInstrument) SetHeightAveragingDelay(d time.Duration) error {
	return f.record("SetHeightAveragingDelay", d)
}

func (f *fakeInstrument) MoveToPosition(x, y float64, wait bool) error {
	return f.record("MoveToPosition", x, y, wait)
}

func (f *fakeInstrument) SetDriftTrackingParameters(p instrument.DriftProfile) error {
	if err := f.record("SetDriftTrackingParameters"); err != nil {
		return err
	}
	f.profiles = append(f.profiles, p)
	return nil
}

func (f *fakeInstrument) SetDriftTrackingSubsystem(s instrument.Subsystem, on bool) error {
	if err := f.record("SetDriftTrackingSubsystem", s.String(), on); err != nil {
		return err
	}
	f.subsystems[s] = on
	return nil
}

type fakeAWG struct {
	freq       float64
	amp        float64
	writes     []float64
	configured []float64
	failAfter  int
	fail       bool
	// failFreq makes configuring that frequency fail.
	failFreq float64
}

func (a *fakeAWG) ConfigureContinuousSine(_ int, f float64, _ int, amp float64, _ bool) error {
	if a.failFreq != 0 && f == a.failFreq {
		return errLinkDown
	}
	a.freq, a.amp = f, amp
	a.configured = append(a.configured, f)
	a.writes = append(a.writes, amp)
	return nil
}

func (a *fakeAWG) UpdateAmplitude(amp float64) error {
	if a.fail && len(a.writes) >= a.failAfter {
		return errLinkDown
	}
	a.amp = amp
	a.writes = append(a.writes, amp)
	return nil
}

func (a *fakeAWG) maxWrite() float64 {
	m := 0.0
	for _, w := range a.writes {
		if w > m {
			m = w
		}
	}
	return m
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

type phaseRecorder struct {
	phases []calibration.Phase
	steps  []int
	refs   int
	onTune func()
	// trackedAfter holds the number of tuned frequencies at each drift correction.
	trackedAfter []int
}

func (p *phaseRecorder) PhaseChanged(ph calibration.Phase) {
	p.phases = append(p.phases, ph)
	if ph == calibration.PhaseTracking {
		p.trackedAfter = append(p.trackedAfter, len(p.steps))
	}
}
func (p *phaseRecorder) ReferenceBuilt(calibration.ReferenceState, calibration.ReferenceCurve) {
	p.refs++
}
func (p *phaseRecorder) FrequencyTuned(step, _ int, _ calibration.TuningResult, _ calibration.Sample) {
	p.steps = append(p.steps, step)
	if p.onTune != nil {
		p.onTune()
	}
}

func testConfig() Config {
	return Config{
		Safety: SafetyProfile{
			BiasVoltage:          2.067,
			SetpointCurrent:      1e-9,
			X:                    3e-9,
			Y:                    3e-9,
			HeightAveragingDelay: 2 * time.Second,
		},
		Drift: DriftCorrection{
			Profile: instrument.DriftProfile{
				IGain:          570e-12,
				FrequencyHz:    10,
				AmplitudeM:     100e-12,
				SwitchOffDelay: 500 * time.Millisecond,
			},
			Duration: 5 * time.Second,
			Interval: 10,
		},
		IntegrationTime:       time.Second,
		MaxAllowedAmplitudeUV: 500_000,
		Strategy:              calibration.StrategyHalf,
		SweepFrequencies:      []float64{1000, 10000, 100000},
		DefaultFrequencyHz:    10000,
		ReferenceAmplitudesUV: []float64{100_000, 200_000, 300_000},
	}
}

func newTestEngine(b *bench, cfg Config) (*Engine, *sleepRecorder, *phaseRecorder) {
	s := &sleepRecorder{}
	p := &phaseRecorder{}
	e, err := New(b.inst, b.awg, cfg, WithSleeper(s.sleep), WithObserver(p))
	if err != nil {
		panic(err)
	}
	e.settle = 0
	b.inst.calls = nil
	b.inst.counts = nil
	return e, s, p
}

// linear returns a model whose current is proportional to the amplitude,
// scaled by the gain of the signal path at each frequency.
func linear(gain map[float64]float64) func(f, a float64) float64 {
	return func(f, a float64) float64 {
		g, ok := gain[f]
		if !ok {
			g = 1
		}
		return g * a * 1e-14
	}
}

func countCalls(calls []string, call string) int {
	n := 0
	for _, c := range calls {
		if c == call {
			n++
		}
	}
	return n
}
