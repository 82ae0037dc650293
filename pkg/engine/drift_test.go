package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/charlie0129/tfcal/pkg/instrument"
)

func TestTrackDriftOverride(t *testing.T) {
	hold := 2 * time.Second
	gain := 1e-9
	tests := []struct {
		name        string
		override    *DriftOverride
		wantHold    time.Duration
		wantProfile *instrument.DriftProfile
	}{
		{
			name:     "configured",
			wantHold: 5 * time.Second,
		},
		{
			name:     "duration only",
			override: &DriftOverride{Duration: &hold},
			wantHold: hold,
		},
		{
			name:     "gain",
			override: &DriftOverride{IGain: &gain},
			wantHold: 5 * time.Second,
			wantProfile: &instrument.DriftProfile{
				IGain:          gain,
				FrequencyHz:    10,
				AmplitudeM:     100e-12,
				SwitchOffDelay: 500 * time.Millisecond,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(linear(sweepGains))
			e, sleeper, _ := newTestEngine(b, testConfig())
			profiles := len(b.inst.profiles)

			if err := e.TrackDrift(context.Background(), tt.override); err != nil {
				t.Fatalf("TrackDrift() error = %v", err)
			}
			if !reflect.DeepEqual(sleeper.waits, []time.Duration{tt.wantHold}) {
				t.Errorf("waits = %v, want [%v]", sleeper.waits, tt.wantHold)
			}

			applied := b.inst.profiles[profiles:]
			switch {
			case tt.wantProfile == nil && len(applied) != 0:
				t.Errorf("profile should not be rewritten, got %v", applied)
			case tt.wantProfile != nil && (len(applied) != 1 || applied[0] != *tt.wantProfile):
				t.Errorf("applied profiles = %v, want %v", applied, *tt.wantProfile)
			}

			want := []string{
				"SetDriftTrackingSubsystem[Modulation true]",
				"SetDriftTrackingSubsystem[Controller true]",
				"SetDriftTrackingSubsystem[Modulation false]",
				"SetDriftTrackingSubsystem[Controller false]",
			}
			var got []string
			for _, c := range b.inst.calls {
				if c != "SetDriftTrackingParameters" {
					got = append(got, c)
				}
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("calls = %v, want %v", got, want)
			}
		})
	}
}

func TestTrackDriftInterrupted(t *testing.T) {
	b := newBench(linear(sweepGains))
	e, _, _ := newTestEngine(b, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.TrackDrift(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("TrackDrift() error = %v, want context.Canceled", err)
	}
	for s, on := range b.inst.subsystems {
		if on {
			t.Errorf("%v left enabled after an interrupted hold", s)
		}
	}
}

func TestTrackDriftCommunicationError(t *testing.T) {
	b := newBench(linear(sweepGains))
	e, _, _ := newTestEngine(b, testConfig())
	b.inst.failAt = "SetDriftTrackingSubsystem"
	b.inst.failAfter = 1

	err := e.TrackDrift(context.Background(), nil)
	if !instrument.IsCommunicationError(err) {
		t.Fatalf("TrackDrift() error = %v, want a communication error", err)
	}
	if b.inst.subsystems[instrument.SubsystemController] {
		t.Errorf("controller should not be left enabled")
	}
}
