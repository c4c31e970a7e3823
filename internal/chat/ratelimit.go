package chat

import (
	"golang.org/x/time/rate"
)

const (
	defaultBurst         = 5
	defaultRatePerMinute = 60
)

// newLimiter throttles outbound Chat API calls: burst calls at once, then
// ratePerMinute per minute. Non-positive values fall back to the defaults.
func newLimiter(burst int, ratePerMinute float64) *rate.Limiter {
	if burst <= 0 {
		burst = defaultBurst
	}
	if ratePerMinute <= 0 {
		ratePerMinute = defaultRatePerMinute
	}
	return rate.NewLimiter(rate.Limit(ratePerMinute/60), burst)
}
