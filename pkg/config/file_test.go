package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/engine"
	"github.com/charlie0129/tfcal/pkg/record"
	"github.com/charlie0129/tfcal/pkg/utils/ptr"
)

func TestDefaults(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}

	if got := f.SafeBiasVoltage(); got != 1.8 {
		t.Errorf("SafeBiasVoltage() = %v, want 1.8", got)
	}
	if got := f.SafeSetpointCurrent(); got != 14e-12 {
		t.Errorf("SafeSetpointCurrent() = %v, want 14e-12", got)
	}
	if got := f.HeightAveragingDelay(); got != 100*time.Millisecond {
		t.Errorf("HeightAveragingDelay() = %v, want 100ms", got)
	}
	if got := f.Tolerance(); got != 0.01 {
		t.Errorf("Tolerance() = %v, want 0.01", got)
	}
	if got := f.MaxTuningIterations(); got != 100 {
		t.Errorf("MaxTuningIterations() = %v, want 100", got)
	}
	if got := f.Strategy(); got != "half" {
		t.Errorf("Strategy() = %q, want half", got)
	}
	if got := f.Cron(); got != "" {
		t.Errorf("Cron() = %q, want empty", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  "safeBiasVoltage": 2.067,
  "sweepFrequencies": [500, 1500],
  "atomTrackingDurationSeconds": 2.5,
  "strategy": "closest"
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	if got := f.SafeBiasVoltage(); got != 2.067 {
		t.Errorf("SafeBiasVoltage() = %v, want 2.067", got)
	}
	if got := f.SweepFrequencies(); !reflect.DeepEqual(got, []float64{500, 1500}) {
		t.Errorf("SweepFrequencies() = %v", got)
	}
	if got := f.DriftTracking().Duration; got != 2500*time.Millisecond {
		t.Errorf("drift duration = %v, want 2.5s", got)
	}
	// Untouched fields keep their defaults.
	if got := f.SafeSetpointCurrent(); got != 14e-12 {
		t.Errorf("SafeSetpointCurrent() = %v, want 14e-12", got)
	}
}

func TestEmptyAndInvalidFile(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte("\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFile(empty); err != nil {
		t.Errorf("NewFile() on an empty file error = %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFile(bad); err == nil {
		t.Errorf("NewFile() on invalid JSON should fail")
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	f := NewFileFromConfig(nil, path)
	f.SetCron("0 3 * * *")
	f.SetAllowNonRootAccess(true)
	if err := f.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	g, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	if got := g.Cron(); got != "0 3 * * *" {
		t.Errorf("Cron() = %q", got)
	}
	if !g.AllowNonRootAccess() {
		t.Errorf("AllowNonRootAccess() should survive a reload")
	}
}

func TestNewRawFileConfigFromConfig(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{}, "")
	raw, err := NewRawFileConfigFromConfig(f)
	if err != nil {
		t.Fatalf("NewRawFileConfigFromConfig() error = %v", err)
	}
	if raw.SafeBiasVoltage == nil || *raw.SafeBiasVoltage != 1.8 {
		t.Errorf("effective config should carry defaults, got %+v", raw.SafeBiasVoltage)
	}
	if _, err := NewRawFileConfigFromConfig(nil); err == nil {
		t.Errorf("nil config should fail")
	}
}

func TestEngineConfig(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.json")
	tf := calibration.TransferFunction{{FrequencyHz: 1000, TransferFunction: 0.4}}
	if err := record.Save(old, record.New("", "", tf, nil, nil)); err != nil {
		t.Fatal(err)
	}

	f := NewFileFromConfig(&RawFileConfig{}, "")
	f.SetOldTransferFunction(old)
	cfg, err := EngineConfig(f)
	if err != nil {
		t.Fatalf("EngineConfig() error = %v", err)
	}
	if cfg.Strategy != calibration.StrategyHalf {
		t.Errorf("Strategy = %v", cfg.Strategy)
	}
	if !reflect.DeepEqual(cfg.OldTransferFunction, tf) {
		t.Errorf("OldTransferFunction = %v, want %v", cfg.OldTransferFunction, tf)
	}
	if cfg.Safety.BiasVoltage != 1.8 || cfg.Drift.Interval != 10 {
		t.Errorf("unexpected engine config %+v", cfg)
	}

	bad := "fixed"
	g := NewFileFromConfig(&RawFileConfig{Strategy: &bad}, "")
	if _, err := EngineConfig(g); err == nil {
		t.Errorf("EngineConfig() with an unknown strategy should fail")
	}
}

func TestSafetyProfile(t *testing.T) {
	bad := "fixed"
	f := NewFileFromConfig(&RawFileConfig{
		Strategy:        &bad,
		SafeBiasVoltage: ptr.To(2.5),
		SafeX:           ptr.To(1e-9),
	}, "")
	f.SetOldTransferFunction(filepath.Join(t.TempDir(), "missing.json"))

	got := SafetyProfile(f)
	want := engine.SafetyProfile{
		BiasVoltage:          2.5,
		SetpointCurrent:      14e-12,
		X:                    1e-9,
		HeightAveragingDelay: 100 * time.Millisecond,
	}
	if got != want {
		t.Errorf("SafetyProfile() = %+v, want %+v", got, want)
	}
}
