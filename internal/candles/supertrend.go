package candles

// TrendDirection is the side of the Supertrend final band price is on.
type TrendDirection int

// Supertrend directions. Zero means insufficient history.
const (
	TrendUp   TrendDirection = 1
	TrendDown TrendDirection = -1
)

// SupertrendResult carries the final-band line and the trend direction per
// bar, aligned index-for-index with the series.
type SupertrendResult struct {
	Line      []float64
	Direction []TrendDirection
}

// LastDirection returns the most recent direction, or zero when the series
// never produced one.
func (r SupertrendResult) LastDirection() TrendDirection {
	for i := len(r.Direction) - 1; i >= 0; i-- {
		if r.Direction[i] != 0 {
			return r.Direction[i]
		}
	}
	return 0
}

// Supertrend computes the ATR-band trend indicator with the trailing final
// band. Basic bands are mid ± multiplier·ATR where mid = (high+low)/2 and the
// ATR is Wilder-smoothed. The final band ratchets: while trending down the
// upper band only moves down (unless the prior close broke above it), and
// symmetrically for the lower band.
func (s *Series) Supertrend(period int, multiplier float64) SupertrendResult {
	n := s.Len()
	line := nanSlice(n)
	dir := make([]TrendDirection, n)
	if n <= period || period <= 0 {
		return SupertrendResult{Line: line, Direction: dir}
	}

	highs, lows, closes := s.Highs(), s.Lows(), s.Closes()
	atr := s.ATR(period)

	finalUpper := nanSlice(n)
	finalLower := nanSlice(n)

	for i := 0; i < n; i++ {
		if !hasValue(atr[i]) {
			continue
		}
		mid := (highs[i] + lows[i]) / 2
		upper := mid + multiplier*atr[i]
		lower := mid - multiplier*atr[i]

		if i > 0 && hasValue(finalUpper[i-1]) {
			// Trailing rule: the upper band only falls unless the prior
			// close already broke above it; symmetric for the lower band.
			if upper < finalUpper[i-1] || closes[i-1] > finalUpper[i-1] {
				finalUpper[i] = upper
			} else {
				finalUpper[i] = finalUpper[i-1]
			}
			if lower > finalLower[i-1] || closes[i-1] < finalLower[i-1] {
				finalLower[i] = lower
			} else {
				finalLower[i] = finalLower[i-1]
			}
		} else {
			finalUpper[i] = upper
			finalLower[i] = lower
		}

		prevDir := TrendDown
		if i > 0 && dir[i-1] != 0 {
			prevDir = dir[i-1]
		}

		// Prior final = upper (down trend): stay on the upper band while
		// close <= it, else flip to the lower band. Symmetric on the lower.
		if prevDir == TrendDown {
			if closes[i] <= finalUpper[i] {
				dir[i] = TrendDown
				line[i] = finalUpper[i]
			} else {
				dir[i] = TrendUp
				line[i] = finalLower[i]
			}
		} else {
			if closes[i] >= finalLower[i] {
				dir[i] = TrendUp
				line[i] = finalLower[i]
			} else {
				dir[i] = TrendDown
				line[i] = finalUpper[i]
			}
		}
	}

	return SupertrendResult{Line: line, Direction: dir}
}
