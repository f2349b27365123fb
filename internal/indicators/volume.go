package indicators

import (
	"time"

	"zerodha-scanner/internal/models"
)

// SessionVWAP calculates the volume-weighted average price over the
// candles belonging to the current trading session (interval start at
// or after sessionStart). Returns false when the session has no
// volume yet.
func SessionVWAP(candles []models.Candle, sessionStart time.Time) (float64, bool) {
	var cumulativeTPV float64 // Cumulative Typical Price * Volume
	var cumulativeVol float64 // Cumulative Volume

	for _, c := range candles {
		if c.Start.Before(sessionStart) {
			continue
		}
		cumulativeTPV += c.TypicalPrice() * float64(c.Volume)
		cumulativeVol += float64(c.Volume)
	}

	if cumulativeVol == 0 {
		return 0, false
	}
	return cumulativeTPV / cumulativeVol, true
}

// MeanVolume calculates the mean volume of the last period candles.
func MeanVolume(candles []models.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}
	return mean(volumes(candles[len(candles)-period:])), true
}
