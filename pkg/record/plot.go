package record

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const (
	plotWidth  = 8 * vg.Inch
	plotHeight = 6 * vg.Inch
)

// PlotReferenceCurve draws detector current over amplitude and saves it as an
// image. The format follows the file extension (png, svg, pdf).
func PlotReferenceCurve(path string, r *Record) error {
	if r.Reference == nil || len(r.Reference.Points) == 0 {
		return pkgerrors.New("record has no reference curve")
	}

	pts := make(plotter.XYs, len(r.Reference.Points))
	for i, p := range r.Reference.Points {
		pts[i].X = p[0]
		pts[i].Y = p[1]
	}

	p := plot.New()
	p.Title.Text = "Reference curve"
	p.X.Label.Text = "amplitude (uV)"
	p.Y.Label.Text = "current (A)"

	if err := addLinePoints(p, pts); err != nil {
		return err
	}

	target := plotter.NewFunction(func(float64) float64 { return r.Reference.ReferenceCurrentA })
	target.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(target)
	p.Legend.Add("reference current", target)

	return save(p, path)
}

// PlotTransferFunction draws the transfer function over frequency on a
// logarithmic frequency axis.
func PlotTransferFunction(path string, r *Record) error {
	tf, err := r.TransferFunction()
	if err != nil {
		return err
	}

	pts := make(plotter.XYs, 0, len(tf))
	for _, s := range tf {
		if s.FrequencyHz <= 0 || math.IsNaN(s.TransferFunction) {
			continue
		}
		pts = append(pts, plotter.XY{X: s.FrequencyHz, Y: s.TransferFunction})
	}
	if len(pts) == 0 {
		return pkgerrors.New("record has no transfer function samples")
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].X < pts[j].X })

	p := plot.New()
	p.Title.Text = "Transfer function"
	p.X.Label.Text = "frequency (Hz)"
	p.Y.Label.Text = "transfer function"
	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}

	if err := addLinePoints(p, pts); err != nil {
		return err
	}

	return save(p, path)
}

func addLinePoints(p *plot.Plot, pts plotter.XYs) error {
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create line")
	}
	line.LineStyle.Width = vg.Points(1.5)
	p.Add(line, points)
	p.Add(plotter.NewGrid())
	return nil
}

func save(p *plot.Plot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pkgerrors.Wrapf(err, "cannot create directory for %s", path)
	}
	if err := p.Save(plotWidth, plotHeight, path); err != nil {
		return pkgerrors.Wrapf(err, "failed to save plot %s", path)
	}
	return nil
}

// SaveAll writes r and its plots into dir under a name derived from at and
// returns the path of the JSON record. Plots are only drawn for the parts r
// contains. A plot that fails is reported after the record is saved.
func SaveAll(dir string, at time.Time, r *Record) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to create output directory %s", dir)
	}
	base := filepath.Join(dir, "transfer_function_"+at.Format("20060102-150405"))

	path := base + ".json"
	if err := Save(path, r); err != nil {
		return "", err
	}

	var err error
	if r.Reference != nil && len(r.Reference.Points) > 0 {
		err = multierr.Append(err, PlotReferenceCurve(base+"_reference.png", r))
	}
	if len(r.Data.Values) > 0 {
		err = multierr.Append(err, PlotTransferFunction(base+".png", r))
	}
	return path, err
}
