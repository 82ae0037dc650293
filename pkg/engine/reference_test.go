package engine

import (
	"context"
	"testing"

	"github.com/charlie0129/tfcal/pkg/calibration"
)

func TestBuildReferenceScenario(t *testing.T) {
	ref := 3e-9
	currents := map[float64]float64{
		100_000: 1e-9,
		200_000: 2e-9,
		300_000: ref,
		400_000: 1.5 * ref,
	}
	b := newBench(func(_, a float64) float64 { return currents[a] })
	e, sleeper, obs := newTestEngine(b, testConfig())

	st, err := e.BuildReference(context.Background())
	if err != nil {
		t.Fatalf("BuildReference() error = %v", err)
	}
	if st.ReferenceCurrentA != 3e-9 {
		t.Errorf("ReferenceCurrentA = %v, want 3e-9", st.ReferenceCurrentA)
	}
	if st.MaxSafeAmplitudeUV != 400_000 {
		t.Errorf("MaxSafeAmplitudeUV = %v, want 400000", st.MaxSafeAmplitudeUV)
	}
	if st.Condition != calibration.ConditionNone {
		t.Errorf("Condition = %q, want none", st.Condition)
	}

	wantAmps := []float64{100_000, 200_000, 300_000, 400_000}
	got := e.Curve().Amplitudes()
	if len(got) != len(wantAmps) {
		t.Fatalf("curve amplitudes = %v, want %v", got, wantAmps)
	}
	for i := range got {
		if got[i] != wantAmps[i] {
			t.Errorf("curve amplitudes = %v, want %v", got, wantAmps)
			break
		}
	}
	if b.awg.configured[0] != 10000 {
		t.Errorf("reference configured at %v Hz, want 10000", b.awg.configured[0])
	}
	if len(sleeper.waits) != 4 {
		t.Errorf("waited %d times, want one integration time per point", len(sleeper.waits))
	}
	if obs.refs != 1 {
		t.Errorf("observer notified %d times, want 1", obs.refs)
	}
	if e.Reference() == nil {
		t.Errorf("Reference() should be set after BuildReference")
	}
}

func TestBuildReferenceNeverExceedsCeiling(t *testing.T) {
	tests := []struct {
		name     string
		ceiling  float64
		wantMax  float64
		wantCond calibration.Condition
	}{
		{name: "aligned ceiling", ceiling: 500_000, wantMax: 500_000, wantCond: calibration.ConditionCeilingExceeded},
		{name: "unaligned ceiling", ceiling: 450_000, wantMax: 400_000, wantCond: calibration.ConditionCeilingExceeded},
		{name: "ceiling at last rung", ceiling: 300_000, wantMax: 300_000, wantCond: calibration.ConditionCeilingExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The current saturates and never reaches 1.5x the reference.
			b := newBench(func(_, _ float64) float64 { return 3e-9 })
			cfg := testConfig()
			cfg.MaxAllowedAmplitudeUV = tt.ceiling
			e, _, _ := newTestEngine(b, cfg)

			st, err := e.BuildReference(context.Background())
			if err != nil {
				t.Fatalf("BuildReference() error = %v", err)
			}
			if m := b.awg.maxWrite(); m > tt.ceiling {
				t.Errorf("wrote %v uV, above the ceiling %v", m, tt.ceiling)
			}
			if st.MaxSafeAmplitudeUV != tt.wantMax {
				t.Errorf("MaxSafeAmplitudeUV = %v, want %v", st.MaxSafeAmplitudeUV, tt.wantMax)
			}
			if st.Condition != tt.wantCond {
				t.Errorf("Condition = %q, want %q", st.Condition, tt.wantCond)
			}
		})
	}
}

func TestBuildReferenceIterationCap(t *testing.T) {
	b := newBench(func(_, _ float64) float64 { return 1e-9 })
	cfg := testConfig()
	cfg.MaxAllowedAmplitudeUV = 1e12
	e, _, _ := newTestEngine(b, cfg)

	st, err := e.BuildReference(context.Background())
	if err != nil {
		t.Fatalf("BuildReference() error = %v", err)
	}
	if st.Condition != calibration.ConditionToleranceNotReach {
		t.Errorf("Condition = %q, want %q", st.Condition, calibration.ConditionToleranceNotReach)
	}
	if got, want := len(e.Curve()), 3+maxExtensionIterations; got != want {
		t.Errorf("curve has %d points, want %d", got, want)
	}
}

func TestBuildReferenceMonotonic(t *testing.T) {
	ladders := [][]float64{
		{50_000, 60_000},
		{100_000, 150_000, 200_000, 250_000},
		{10_000, 20_000, 40_000, 80_000},
		{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}
	for _, ladder := range ladders {
		b := newBench(func(_, a float64) float64 { return a * a * 1e-20 })
		cfg := testConfig()
		cfg.ReferenceAmplitudesUV = ladder
		cfg.MaxAllowedAmplitudeUV = ladder[len(ladder)-1] * 3
		e, _, _ := newTestEngine(b, cfg)

		if _, err := e.BuildReference(context.Background()); err != nil {
			t.Fatalf("BuildReference(%v) error = %v", ladder, err)
		}
		amps := e.Curve().Amplitudes()
		if len(amps) < len(ladder) {
			t.Fatalf("curve %v shorter than ladder %v", amps, ladder)
		}
		for i := range ladder {
			if amps[i] != ladder[i] {
				t.Errorf("curve %v does not start with ladder %v", amps, ladder)
				break
			}
		}
		for i := 1; i < len(amps); i++ {
			if amps[i] <= amps[i-1] {
				t.Errorf("curve %v is not strictly increasing", amps)
				break
			}
		}
		if m := b.awg.maxWrite(); m > cfg.MaxAllowedAmplitudeUV {
			t.Errorf("wrote %v uV, above the ceiling %v", m, cfg.MaxAllowedAmplitudeUV)
		}
	}
}

func TestBuildReferenceCancelled(t *testing.T) {
	b := newBench(linear(nil))
	e, _, _ := newTestEngine(b, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.BuildReference(ctx); err == nil {
		t.Fatalf("BuildReference() on a cancelled context should fail")
	}
	if e.Reference() != nil {
		t.Errorf("Reference() should stay unset after a failed build")
	}
}
