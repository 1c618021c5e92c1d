package condition

import "math"

// trueRange returns Wilder's true range for bar i (i >= 1).
func trueRange(highs, lows, closes []float64, i int) float64 {
	hl := highs[i] - lows[i]
	hc := math.Abs(highs[i] - closes[i-1])
	lc := math.Abs(lows[i] - closes[i-1])
	return math.Max(hl, math.Max(hc, lc))
}

// averageTrueRange computes Wilder-smoothed ATR over the final `period` bars.
func averageTrueRange(highs, lows, closes []float64, period int) float64 {
	if len(closes) < period+1 || period <= 0 {
		return 0
	}
	start := len(closes) - period
	sum := 0.0
	for i := start; i < len(closes); i++ {
		sum += trueRange(highs, lows, closes, i)
	}
	return sum / float64(period)
}

// dmi computes Wilder's directional movement index over the series, returning
// the final ADX along with +DI and -DI. The series must span at least
// 2*period+1 bars for ADX to be seeded; shorter input yields zeros.
func dmi(highs, lows, closes []float64, period int) (adx, plusDI, minusDI float64) {
	if period <= 0 || len(closes) < 2*period+1 {
		return 0, 0, 0
	}

	var tr14, pdm14, mdm14 float64
	var dxSum float64
	dxCount := 0
	p := float64(period)

	for i := 1; i < len(closes); i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]

		var pdm, mdm float64
		if upMove > downMove && upMove > 0 {
			pdm = upMove
		}
		if downMove > upMove && downMove > 0 {
			mdm = downMove
		}
		tr := trueRange(highs, lows, closes, i)

		if i <= period {
			// seed the smoothed sums
			tr14 += tr
			pdm14 += pdm
			mdm14 += mdm
			if i == period {
				tr14 /= p
				pdm14 /= p
				mdm14 /= p
			}
			continue
		}

		tr14 = (tr14*(p-1) + tr) / p
		pdm14 = (pdm14*(p-1) + pdm) / p
		mdm14 = (mdm14*(p-1) + mdm) / p

		if tr14 == 0 {
			continue
		}
		plusDI = 100 * pdm14 / tr14
		minusDI = 100 * mdm14 / tr14
		den := plusDI + minusDI
		if den == 0 {
			continue
		}
		dx := 100 * math.Abs(plusDI-minusDI) / den

		if dxCount < period {
			dxSum += dx
			dxCount++
			if dxCount == period {
				adx = dxSum / p
			}
			continue
		}
		adx = (adx*(p-1) + dx) / p
	}

	return adx, plusDI, minusDI
}
