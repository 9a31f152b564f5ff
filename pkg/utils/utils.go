// Package utils provides utility functions for the portfolio backend.
package utils

import (
	"math"
	"sort"
	"strings"
)

// FormatSymbol normalizes a trading symbol to BASE-QUOTE form.
func FormatSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.ToUpper(symbol)
	symbol = strings.ReplaceAll(symbol, "/", "-")
	symbol = strings.ReplaceAll(symbol, "_", "-")

	if !strings.Contains(symbol, "-") {
		quotes := []string{"USDT", "USDC", "USD", "BTC", "ETH"}
		for _, quote := range quotes {
			if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
				base := strings.TrimSuffix(symbol, quote)
				return base + "-" + quote
			}
		}
	}

	return symbol
}

// Returns calculates simple percentage returns from a price series.
// A zero previous price contributes a zero return.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			returns[i-1] = 0
			continue
		}
		returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
	}

	return returns
}

// Mean calculates the arithmetic mean.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev calculates the sample standard deviation.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	mean := Mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}

	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// Quantile returns the q-quantile of values (0 <= q <= 1) using the
// nearest-rank method on a sorted copy.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Clamp bounds a value between lo and hi.
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
