// Package record persists the result of a calibration: the measured transfer
// function, the reference curve it was derived from, and plots of both.
package record

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/charlie0129/tfcal/pkg/calibration"
)

const (
	// Type identifies transfer function records.
	Type = "transfer_function"

	ChannelFrequency        = "frequency_Hz"
	ChannelTransferFunction = "transfer_function"
)

// Record is the on-disk format of a calibration result.
type Record struct {
	Type      string     `json:"type"`
	Version   string     `json:"version"`
	Header    string     `json:"Header"`
	Data      Data       `json:"Data"`
	Reference *Reference `json:"Reference,omitempty"`
}

// Data holds one row of values per measured frequency, ordered as the sweep
// measured them. Columns are named by ChannelNames.
type Data struct {
	ChannelNames []string    `json:"channel names"`
	Values       [][]float64 `json:"values"`
}

// Reference is the reference curve recorded before the sweep.
type Reference struct {
	FrequencyHz        float64               `json:"frequency_Hz"`
	Points             [][2]float64          `json:"points"`
	ReferenceCurrentA  float64               `json:"referenceCurrent_A"`
	MaxSafeAmplitudeUV float64               `json:"maxSafeAmplitude_uV"`
	Condition          calibration.Condition `json:"condition,omitempty"`
}

// New builds a record. ref and curve may be nil when only the transfer
// function is known.
func New(version, header string, tf calibration.TransferFunction, ref *calibration.ReferenceState, curve calibration.ReferenceCurve) *Record {
	r := &Record{
		Type:    Type,
		Version: version,
		Header:  header,
		Data: Data{
			ChannelNames: []string{ChannelFrequency, ChannelTransferFunction},
			Values:       make([][]float64, 0, len(tf)),
		},
	}
	for _, s := range tf {
		r.Data.Values = append(r.Data.Values, []float64{s.FrequencyHz, s.TransferFunction})
	}

	if ref != nil {
		r.Reference = &Reference{
			FrequencyHz:        ref.FrequencyHz,
			ReferenceCurrentA:  ref.ReferenceCurrentA,
			MaxSafeAmplitudeUV: ref.MaxSafeAmplitudeUV,
			Condition:          ref.Condition,
			Points:             make([][2]float64, 0, len(curve)),
		}
		for _, p := range curve {
			r.Reference.Points = append(r.Reference.Points, [2]float64{p.AmplitudeUV, p.CurrentA})
		}
	}

	return r
}

// TransferFunction returns the (frequency, transfer function) pairs in the
// order they were recorded.
func (r *Record) TransferFunction() (calibration.TransferFunction, error) {
	fi, ti := -1, -1
	for i, name := range r.Data.ChannelNames {
		switch name {
		case ChannelFrequency:
			fi = i
		case ChannelTransferFunction:
			ti = i
		}
	}
	if fi < 0 || ti < 0 {
		return nil, pkgerrors.Errorf("record is missing the %q or %q channel (has %v)", ChannelFrequency, ChannelTransferFunction, r.Data.ChannelNames)
	}

	tf := make(calibration.TransferFunction, 0, len(r.Data.Values))
	for i, row := range r.Data.Values {
		if len(row) <= fi || len(row) <= ti {
			return nil, pkgerrors.Errorf("row %d has %d values, want %d", i, len(row), len(r.Data.ChannelNames))
		}
		tf = append(tf, calibration.Sample{FrequencyHz: row[fi], TransferFunction: row[ti]})
	}
	return tf, nil
}

// Curve returns the recorded reference curve, or nil.
func (r *Record) Curve() calibration.ReferenceCurve {
	if r.Reference == nil {
		return nil
	}
	curve := make(calibration.ReferenceCurve, 0, len(r.Reference.Points))
	for _, p := range r.Reference.Points {
		curve = append(curve, calibration.CurvePoint{AmplitudeUV: p[0], CurrentA: p[1]})
	}
	return curve
}

// Save writes r to path as indented JSON. A failure to close the file is
// reported like a failed write.
func Save(path string, r *Record) error {
	if r == nil {
		return pkgerrors.New("record is nil")
	}

	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", path)
	}
	if err := write(fp, path, r); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"path":    path,
		"samples": len(r.Data.Values),
	}).Info("record saved")

	return nil
}

func write(wc io.WriteCloser, path string, r *Record) (err error) {
	defer func() {
		if cerr := wc.Close(); cerr != nil {
			multierr.AppendInto(&err, pkgerrors.Wrapf(cerr, "failed to close file %s", path))
		}
	}()

	enc := json.NewEncoder(wc)
	enc.SetIndent("", "    ")
	if err := enc.Encode(r); err != nil {
		return pkgerrors.Wrapf(err, "failed to encode record to file %s", path)
	}
	return nil
}

// Load reads a record written by Save.
func Load(path string) (*Record, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open file %s", path)
	}
	defer fp.Close()

	b, err := io.ReadAll(fp)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read file %s", path)
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, pkgerrors.Errorf("file %s is empty", path)
	}

	r := &Record{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal record from file %s", path)
	}
	if r.Type != "" && r.Type != Type {
		logrus.WithFields(logrus.Fields{
			"path": path,
			"type": r.Type,
		}).Warn("unexpected record type")
	}

	return r, nil
}

// LoadTransferFunction reads the transfer function of a saved record, for use
// as the previous transfer function of the known strategy.
func LoadTransferFunction(path string) (calibration.TransferFunction, error) {
	r, err := Load(path)
	if err != nil {
		return nil, err
	}
	tf, err := r.TransferFunction()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid record %s", path)
	}
	return tf, nil
}
