package strategy

// RSI returns the relative strength index over the first period changes in
// prices, using simple averages of gains and losses. It returns false when
// fewer than period+1 prices are available.
func RSI(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// AverageVolume returns the mean volume of bars, or false if bars is empty.
func AverageVolume(bars []Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	var total float64
	for _, b := range bars {
		total += b.Volume
	}
	return total / float64(len(bars)), true
}

// Growth returns the percentage change between two prices.
func Growth(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}
