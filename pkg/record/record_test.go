package record

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/charlie0129/tfcal/pkg/calibration"
)

func testRecord() *Record {
	tf := calibration.TransferFunction{
		{FrequencyHz: 100000, TransferFunction: 0.7},
		{FrequencyHz: 1000, TransferFunction: 0.8},
		{FrequencyHz: 10000, TransferFunction: 1},
	}
	ref := &calibration.ReferenceState{
		FrequencyHz:        10000,
		ReferenceCurrentA:  3e-9,
		MaxSafeAmplitudeUV: 500_000,
		Condition:          calibration.ConditionCeilingExceeded,
	}
	curve := calibration.ReferenceCurve{
		{AmplitudeUV: 100_000, CurrentA: 1e-9},
		{AmplitudeUV: 200_000, CurrentA: 2e-9},
		{AmplitudeUV: 300_000, CurrentA: 3e-9},
	}
	return New("0.1.0", "tip 3, Au(111)", tf, ref, curve)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tf.json")
	want := testRecord()

	if err := Save(path, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	wantTF, _ := want.TransferFunction()
	gotTF, err := got.TransferFunction()
	if err != nil {
		t.Fatalf("TransferFunction() error = %v", err)
	}
	if !reflect.DeepEqual(gotTF, wantTF) {
		t.Errorf("transfer function = %v, want %v", gotTF, wantTF)
	}
	if !reflect.DeepEqual(got.Curve(), want.Curve()) {
		t.Errorf("curve = %v, want %v", got.Curve(), want.Curve())
	}
	if got.Header != want.Header || got.Version != want.Version || got.Type != Type {
		t.Errorf("metadata = %q %q %q", got.Type, got.Version, got.Header)
	}
	if got.Reference.Condition != calibration.ConditionCeilingExceeded {
		t.Errorf("condition = %q", got.Reference.Condition)
	}
}

func TestFileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tf.json")
	if err := Save(path, testRecord()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"type"`, `"version"`, `"Header"`, `"Data"`, `"channel names"`, `"values"`, `"frequency_Hz"`} {
		if !strings.Contains(string(b), key) {
			t.Errorf("saved file is missing %s", key)
		}
	}
}

func TestTransferFunctionChannelOrder(t *testing.T) {
	r := &Record{Data: Data{
		ChannelNames: []string{ChannelTransferFunction, "amplitude_uV", ChannelFrequency},
		Values:       [][]float64{{0.5, 200_000, 1000}},
	}}
	tf, err := r.TransferFunction()
	if err != nil {
		t.Fatalf("TransferFunction() error = %v", err)
	}
	if len(tf) != 1 || tf[0].FrequencyHz != 1000 || tf[0].TransferFunction != 0.5 {
		t.Errorf("TransferFunction() = %v", tf)
	}
}

func TestTransferFunctionErrors(t *testing.T) {
	tests := []struct {
		name string
		data Data
	}{
		{name: "missing channel", data: Data{ChannelNames: []string{ChannelFrequency}}},
		{name: "short row", data: Data{
			ChannelNames: []string{ChannelFrequency, ChannelTransferFunction},
			Values:       [][]float64{{1000}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Record{Data: tt.data}
			if _, err := r.TransferFunction(); err == nil {
				t.Errorf("TransferFunction() should fail")
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Errorf("Load() of a missing file should fail")
	}
	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(empty); err == nil {
		t.Errorf("Load() of an empty file should fail")
	}
	if _, err := LoadTransferFunction(empty); err == nil {
		t.Errorf("LoadTransferFunction() of an empty file should fail")
	}
}

func TestPlots(t *testing.T) {
	dir := t.TempDir()
	r := testRecord()

	refPath := filepath.Join(dir, "plots", "reference.png")
	if err := PlotReferenceCurve(refPath, r); err != nil {
		t.Fatalf("PlotReferenceCurve() error = %v", err)
	}
	tfPath := filepath.Join(dir, "plots", "tf.png")
	if err := PlotTransferFunction(tfPath, r); err != nil {
		t.Fatalf("PlotTransferFunction() error = %v", err)
	}
	for _, p := range []string{refPath, tfPath} {
		if st, err := os.Stat(p); err != nil || st.Size() == 0 {
			t.Errorf("plot %s not written: %v", p, err)
		}
	}

	if err := PlotReferenceCurve(filepath.Join(dir, "x.png"), New("", "", nil, nil, nil)); err == nil {
		t.Errorf("PlotReferenceCurve() without a reference should fail")
	}
}

func referenceOnly() *Record {
	r := testRecord()
	r.Data.Values = nil
	return r
}

func TestSaveAll(t *testing.T) {
	at := time.Date(2024, 3, 1, 14, 5, 9, 0, time.UTC)
	tests := []struct {
		name      string
		rec       *Record
		wantFiles []string
	}{
		{
			name:      "complete",
			rec:       testRecord(),
			wantFiles: []string{"transfer_function_20240301-140509.json", "transfer_function_20240301-140509.png", "transfer_function_20240301-140509_reference.png"},
		},
		{
			name:      "reference only",
			rec:       referenceOnly(),
			wantFiles: []string{"transfer_function_20240301-140509.json", "transfer_function_20240301-140509_reference.png"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "out")
			path, err := SaveAll(dir, at, tt.rec)
			if err != nil {
				t.Fatalf("SaveAll() error = %v", err)
			}
			if want := filepath.Join(dir, tt.wantFiles[0]); path != want {
				t.Errorf("path = %s, want %s", path, want)
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, e := range entries {
				got = append(got, e.Name())
			}
			sort.Strings(got)
			want := append([]string(nil), tt.wantFiles...)
			sort.Strings(want)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("files = %v, want %v", got, want)
			}
		})
	}
}

type failingCloser struct {
	strings.Builder
	err error
}

func (f *failingCloser) Close() error { return f.err }

func TestWriteReportsCloseError(t *testing.T) {
	tests := []struct {
		name     string
		closeErr error
		wantErr  bool
	}{
		{name: "close ok"},
		{name: "close fails", closeErr: errors.New("disk full"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wc := &failingCloser{err: tt.closeErr}
			err := write(wc, "tf.json", testRecord())
			if (err != nil) != tt.wantErr {
				t.Fatalf("write() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), "disk full") {
				t.Errorf("write() error = %v, want close error", err)
			}
			if !strings.Contains(wc.String(), Type) {
				t.Errorf("record not encoded before close: %q", wc.String())
			}
		})
	}
}
