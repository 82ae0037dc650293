package engine

import (
	dsptime "github.com/cwbudde/algo-dsp/stats/time"
	"github.com/sirupsen/logrus"
)

// SampleCurrent reads the detector current. With SamplesPerReading > 1 the
// mean of that many consecutive readings is returned.
func (e *Engine) SampleCurrent() (float64, error) {
	n := e.cfg.SamplesPerReading
	if n <= 1 {
		v, err := e.inst.ReadDetectorCurrent()
		if err != nil {
			return 0, commError("read detector current", err)
		}
		return v, nil
	}

	readings := make([]float64, n)
	for i := range readings {
		v, err := e.inst.ReadDetectorCurrent()
		if err != nil {
			return 0, commError("read detector current", err)
		}
		readings[i] = v
	}
	mean := dsptime.DC(readings)
	logrus.WithFields(logrus.Fields{
		"readings": n,
		"meanA":    mean,
		"rmsA":     dsptime.RMS(readings),
	}).Trace("averaged detector current")
	return mean, nil
}
