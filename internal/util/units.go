package util

import (
	"math"
	"time"
)

// NanoPerCoin is the number of nano units in one coin
const NanoPerCoin = 1_000_000_000

// ToCoins converts nano units to coins
func ToCoins(nano int64) float64 {
	return float64(nano) / NanoPerCoin
}

// ToNano converts coins to nano units, rounding to the nearest unit
func ToNano(coins float64) int64 {
	return int64(math.Round(coins * NanoPerCoin))
}

// Round rounds v to the given number of decimal places
func Round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// FormatTimestamp renders a millisecond unix timestamp as RFC 3339 in UTC
func FormatTimestamp(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Percent returns part/whole*100, or 0 when whole is zero
func Percent(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return part / whole * 100
}
