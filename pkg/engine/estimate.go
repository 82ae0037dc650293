package engine

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/tfcal/pkg/calibration"
)

// halfTransmission is the transfer function value assumed by StrategyHalf.
const halfTransmission = 0.5

// Estimate guesses the starting amplitude for frequencyHz. ok is false when
// the strategy has no data to work with; the caller then falls back to
// DefaultStartingAmplitudeUV. Estimate does not modify the engine.
func (e *Engine) Estimate(frequencyHz float64, strategy calibration.Strategy) (amplitudeUV float64, ok bool) {
	var tf float64

	switch strategy {
	case calibration.StrategyKnown:
		tf, ok = e.cfg.OldTransferFunction.Lookup(frequencyHz)
	case calibration.StrategyHalf:
		tf, ok = halfTransmission, true
	case calibration.StrategyClosest:
		tf, ok = closest(e.current, frequencyHz)
	default:
		logrus.WithField("strategy", strategy).Error("unknown amplitude guess strategy")
		return 0, false
	}

	if !ok || tf <= 0 || math.IsNaN(tf) || math.IsInf(tf, 0) {
		logrus.WithFields(logrus.Fields{
			"frequencyHz": frequencyHz,
			"strategy":    strategy.String(),
		}).Debug("no starting amplitude estimate available")
		return 0, false
	}

	amplitudeUV = e.DefaultAmplitudeUV() * e.defaultTF / tf

	logrus.WithFields(logrus.Fields{
		"frequencyHz": frequencyHz,
		"strategy":    strategy.String(),
		"amplitudeUV": amplitudeUV,
	}).Debug("estimated starting amplitude")

	return amplitudeUV, true
}

// closest returns the transfer function value of the sample nearest to
// frequencyHz. Ties go to the earlier sample.
func closest(tf calibration.TransferFunction, frequencyHz float64) (float64, bool) {
	if len(tf) == 0 {
		return 0, false
	}
	best := 0
	for i := 1; i < len(tf); i++ {
		if math.Abs(tf[i].FrequencyHz-frequencyHz) < math.Abs(tf[best].FrequencyHz-frequencyHz) {
			best = i
		}
	}
	return tf[best].TransferFunction, true
}
