package daemon

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charlie0129/tfcal/pkg/config"
	"github.com/charlie0129/tfcal/pkg/engine"
	"github.com/charlie0129/tfcal/pkg/instrument"
	"github.com/charlie0129/tfcal/pkg/utils/ptr"
)

// fakeSetup is a linear detector behind a fake instrument and generator.
type fakeSetup struct {
	mu           sync.Mutex
	calls        []string
	controllerOn bool
	amp          float64
	closed       int
	dialErr      error
}

func (f *fakeSetup) connect() (instrument.Instrument, instrument.WaveformGenerator, io.Closer, error) {
	if f.dialErr != nil {
		return nil, nil, nil, f.dialErr
	}
	return &fakeInstrument{f}, &fakeAWG{f}, f, nil
}

func (f *fakeSetup) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSetup) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSetup) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

type fakeInstrument struct{ s *fakeSetup }

func (f *fakeInstrument) ReadDetectorCurrent() (float64, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.amp * 1e-14, nil
}

func (f *fakeInstrument) SetBiasVoltage(float64) error {
	f.s.record("SetBiasVoltage")
	return nil
}

func (f *fakeInstrument) SetCurrentSetpoint(float64) error {
	f.s.record("SetCurrentSetpoint")
	return nil
}

func (f *fakeInstrument) ControllerActive() (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.controllerOn, nil
}

func (f *fakeInstrument) SetControllerActive(on bool) error {
	f.s.record("SetControllerActive")
	f.s.mu.Lock()
	f.s.controllerOn = on
	f.s.mu.Unlock()
	return nil
}

func (f *fakeInstrument) SetHeightAveragingDelay(time.Duration) error {
	f.s.record("SetHeightAveragingDelay")
	return nil
}

func (f *fakeInstrument) MoveToPosition(float64, float64, bool) error {
	f.s.record("MoveToPosition")
	return nil
}

func (f *fakeInstrument) SetDriftTrackingParameters(instrument.DriftProfile) error {
	f.s.record("SetDriftTrackingParameters")
	return nil
}

func (f *fakeInstrument) SetDriftTrackingSubsystem(instrument.Subsystem, bool) error {
	f.s.record("SetDriftTrackingSubsystem")
	return nil
}

type fakeAWG struct{ s *fakeSetup }

func (a *fakeAWG) ConfigureContinuousSine(_ int, _ float64, _ int, amp float64, _ bool) error {
	a.s.record("ConfigureContinuousSine")
	return a.UpdateAmplitude(amp)
}

func (a *fakeAWG) UpdateAmplitude(amp float64) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.amp = amp
	return nil
}

// instant returns immediately unless the context is done.
func instant(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// blockingSleeper blocks every wait until the context is done and signals
// the first one on entered.
type blockingSleeper struct {
	once    sync.Once
	entered chan struct{}
}

func newBlockingSleeper() *blockingSleeper {
	return &blockingSleeper{entered: make(chan struct{})}
}

func (b *blockingSleeper) sleep(ctx context.Context, _ time.Duration) error {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingSleeper) wait(t *testing.T) {
	t.Helper()
	select {
	case <-b.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep did not reach its first wait")
	}
}

func testConfig(t *testing.T) *config.File {
	t.Helper()
	dir := t.TempDir()
	return config.NewFileFromConfig(&config.RawFileConfig{
		OutputDir: ptr.To(filepath.Join(dir, "out")),
		Header:    ptr.To("test run"),
	}, filepath.Join(dir, "config.json"))
}

func newTestSession(t *testing.T, setup *fakeSetup, sleep engine.SleepFunc) *Session {
	t.Helper()
	return NewSession(testConfig(t), nil, setup.connect, engine.WithSleeper(sleep))
}

var errDial = errors.New("connection refused")
