package resilience

import "time"

// Policy bounds retries and the per-operation circuit breaker.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	BreakerEnabled      bool
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenTimeout  time.Duration
	BreakerProbeCalls   uint32
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
		Multiplier:     2.0,

		BreakerEnabled:      true,
		BreakerMinRequests:  10,
		BreakerFailureRatio: 0.6,
		BreakerOpenTimeout:  30 * time.Second,
		BreakerProbeCalls:   1,
	}
}

// SyncPolicy builds the push policy from the process settings in milliseconds.
func SyncPolicy(maxAttempts, initialMs, maxMs int) Policy {
	p := DefaultPolicy()
	p.MaxAttempts = maxAttempts
	p.InitialBackoff = time.Duration(initialMs) * time.Millisecond
	p.MaxBackoff = time.Duration(maxMs) * time.Millisecond
	return p.normalize()
}

func (p Policy) normalize() Policy {
	out := p
	def := DefaultPolicy()

	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = def.InitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = def.MaxBackoff
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = out.InitialBackoff
	}
	if out.Multiplier < 1.0 {
		out.Multiplier = def.Multiplier
	}
	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerProbeCalls == 0 {
		out.BreakerProbeCalls = def.BreakerProbeCalls
	}
	return out
}
