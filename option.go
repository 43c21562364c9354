package x402

import (
	"time"

	"github.com/kaiapay/x402/logger"
	"github.com/kaiapay/x402/metrics"
)

type Option func(*Facilitator)

func WithLogger(l logger.Logger) Option {
	return func(f *Facilitator) {
		f.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(f *Facilitator) {
		f.metrics = r
	}
}

// WithTimeout bounds every chain call. Absence of a response within the
// timeout is treated as failure, never success.
func WithTimeout(t time.Duration) Option {
	return func(f *Facilitator) {
		if t > 0 {
			f.timeout = t
		}
	}
}

// WithClockSkew widens the accepted authorization time window on both sides.
func WithClockSkew(t time.Duration) Option {
	return func(f *Facilitator) {
		if t >= 0 {
			f.clockSkew = t
		}
	}
}

// WithRetryCount bounds resubmission attempts after network-level
// settlement failures.
func WithRetryCount(n int) Option {
	return func(f *Facilitator) {
		if n >= 0 {
			f.retryCount = n
		}
	}
}
