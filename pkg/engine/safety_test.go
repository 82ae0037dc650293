package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/charlie0129/tfcal/pkg/instrument"
)

func TestEnterSafeIdleOrder(t *testing.T) {
	tests := []struct {
		name         string
		controllerOn bool
		want         []string
	}{
		{
			name:         "controller on",
			controllerOn: true,
			want: []string{
				"MoveToPosition[3e-09 3e-09 false]",
				"SetHeightAveragingDelay[0s]",
				"ControllerActive",
				"SetControllerActive[false]",
				"SetBiasVoltage[2.067]",
				"SetCurrentSetpoint[1e-09]",
				"SetControllerActive[true]",
			},
		},
		{
			name:         "controller already off",
			controllerOn: false,
			want: []string{
				"MoveToPosition[3e-09 3e-09 false]",
				"SetHeightAveragingDelay[0s]",
				"ControllerActive",
				"SetBiasVoltage[2.067]",
				"SetCurrentSetpoint[1e-09]",
				"SetControllerActive[true]",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(linear(nil))
			e, _, _ := newTestEngine(b, testConfig())
			b.inst.controllerOn = tt.controllerOn

			if err := e.EnterSafeIdle(); err != nil {
				t.Fatalf("EnterSafeIdle() error = %v", err)
			}
			if !reflect.DeepEqual(b.inst.calls, tt.want) {
				t.Errorf("calls = %v, want %v", b.inst.calls, tt.want)
			}
			if b.inst.unsafeWrites != 0 {
				t.Errorf("bias/setpoint written %d times while the controller was on", b.inst.unsafeWrites)
			}
			if !b.inst.controllerOn {
				t.Errorf("controller should be on after safe idle")
			}
		})
	}
}

func TestEnterSafeIdleIdempotent(t *testing.T) {
	b := newBench(linear(nil))
	e, _, _ := newTestEngine(b, testConfig())

	for i := 0; i < 3; i++ {
		if err := e.EnterSafeIdle(); err != nil {
			t.Fatalf("EnterSafeIdle() #%d error = %v", i, err)
		}
	}
	if b.inst.unsafeWrites != 0 {
		t.Errorf("bias/setpoint written %d times while the controller was on", b.inst.unsafeWrites)
	}
}

func TestEnterSafeIdleCommunicationError(t *testing.T) {
	b := newBench(linear(nil))
	e, _, _ := newTestEngine(b, testConfig())
	b.inst.failAt = "SetBiasVoltage"

	err := e.EnterSafeIdle()
	if !instrument.IsCommunicationError(err) {
		t.Fatalf("EnterSafeIdle() error = %v, want a CommunicationError", err)
	}
	if !errors.Is(err, errLinkDown) {
		t.Errorf("error should wrap the transport error")
	}
	// No retry.
	if b.inst.counts["SetBiasVoltage"] != 1 {
		t.Errorf("SetBiasVoltage called %d times, want 1", b.inst.counts["SetBiasVoltage"])
	}
}

func TestPrepareMeasurement(t *testing.T) {
	b := newBench(linear(nil))
	e, _, _ := newTestEngine(b, testConfig())

	if err := e.PrepareMeasurement(); err != nil {
		t.Fatalf("PrepareMeasurement() error = %v", err)
	}
	n := len(b.inst.calls)
	want := []string{"SetHeightAveragingDelay[2s]", "SetControllerActive[false]"}
	if n < 2 || !reflect.DeepEqual(b.inst.calls[n-2:], want) {
		t.Errorf("last calls = %v, want %v", b.inst.calls, want)
	}
	if b.inst.controllerOn {
		t.Errorf("controller should be off during the measurement")
	}
}

func TestEscape(t *testing.T) {
	b := newBench(linear(nil))
	e, _, _ := newTestEngine(b, testConfig())
	b.inst.controllerOn = true

	if err := e.Escape(errors.New("boom")); err != nil {
		t.Fatalf("Escape() error = %v", err)
	}
	if b.inst.counts["MoveToPosition"] != 1 || !b.inst.controllerOn {
		t.Errorf("escape should enter safe idle, calls = %v", b.inst.calls)
	}
}

func TestEnterSafeIdleWithoutEngine(t *testing.T) {
	b := newBench(linear(nil))
	b.inst.controllerOn = true
	profile := SafetyProfile{BiasVoltage: 1.5, SetpointCurrent: 2e-11, X: 1e-9, Y: -1e-9}

	if err := EnterSafeIdle(b.inst, profile); err != nil {
		t.Fatalf("EnterSafeIdle() error = %v", err)
	}
	want := []string{
		"MoveToPosition[1e-09 -1e-09 false]",
		"SetHeightAveragingDelay[0s]",
		"ControllerActive",
		"SetControllerActive[false]",
		"SetBiasVoltage[1.5]",
		"SetCurrentSetpoint[2e-11]",
		"SetControllerActive[true]",
	}
	if !reflect.DeepEqual(b.inst.calls, want) {
		t.Errorf("calls = %v, want %v", b.inst.calls, want)
	}
	if !b.inst.controllerOn || b.inst.unsafeWrites != 0 {
		t.Errorf("controller on = %v, unsafe writes = %d", b.inst.controllerOn, b.inst.unsafeWrites)
	}
}
