// Package billing prices rental time.
package billing

import (
	"time"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
)

const millisPerHour = 3600000.0

// HoursElapsed converts an interval to fractional hours at millisecond precision
func HoursElapsed(start, end time.Time) float64 {
	return float64(end.Sub(start).Milliseconds()) / millisPerHour
}

// ComputeCost returns the price of renting from start to end at hourlyPrice
func ComputeCost(start, end time.Time, hourlyPrice float64) (float64, error) {
	if end.Before(start) {
		return 0, apperr.Newf(apperr.CodeInvalidInterval, "billing.cost",
			"end time %s is before start time %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if hourlyPrice < 0 {
		return 0, apperr.Newf(apperr.CodeInvalidInput, "billing.cost", "hourly price %v is negative", hourlyPrice)
	}
	return HoursElapsed(start, end) * hourlyPrice, nil
}
