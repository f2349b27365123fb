package indicators

// CalculateSMA calculates the Simple Moving Average series. Entries
// before period-1 are zero.
func CalculateSMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}

	result := make([]float64, len(values))
	for i := period - 1; i < len(values); i++ {
		result[i] = mean(values[i-period+1 : i+1])
	}
	return result
}

// CalculateEMA calculates the Exponential Moving Average series,
// seeded with the SMA of the first period values. Entries before
// period-1 are zero.
func CalculateEMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}

	result := make([]float64, len(values))
	multiplier := 2.0 / float64(period+1)

	// First EMA is SMA
	result[period-1] = mean(values[:period])

	for i := period; i < len(values); i++ {
		result[i] = (values[i]-result[i-1])*multiplier + result[i-1]
	}
	return result
}

// LastEMA returns the latest EMA value for the series.
func LastEMA(values []float64, period int) (float64, bool) {
	ema := CalculateEMA(values, period)
	if ema == nil {
		return 0, false
	}
	return ema[len(ema)-1], true
}

// CalculateMACD calculates the MACD line, signal line and histogram
// series. Requires at least slow+signal-1 values.
func CalculateMACD(values []float64, fast, slow, signal int) (macdLine, signalLine, histogram []float64) {
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
		return nil, nil, nil
	}
	if len(values) < slow+signal-1 {
		return nil, nil, nil
	}

	fastEMA := CalculateEMA(values, fast)
	slowEMA := CalculateEMA(values, slow)

	// MACD Line = Fast EMA - Slow EMA
	macdLine = make([]float64, len(values))
	for i := slow - 1; i < len(values); i++ {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}

	// Signal Line = EMA of MACD Line
	signalLine = make([]float64, len(values))
	startIdx := slow - 1
	signalEMA := CalculateEMA(macdLine[startIdx:], signal)
	for i := 0; i < len(signalEMA); i++ {
		signalLine[startIdx+i] = signalEMA[i]
	}

	// Histogram = MACD Line - Signal Line
	histogram = make([]float64, len(values))
	for i := slow + signal - 2; i < len(values); i++ {
		histogram[i] = macdLine[i] - signalLine[i]
	}

	return macdLine, signalLine, histogram
}
