package client

import "time"

// RetryPolicy bounds (re)connection attempts of a Session.
type RetryPolicy struct {
	// ImmediateRetries are attempted without waiting
	ImmediateRetries int
	// BaseDelay doubles for every retry past the immediate ones
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts is the number of retries before the session expires
	MaxAttempts int
}

// DefaultRetryPolicy retries 3 times immediately, then backs off from 1s up
// to 30s, giving up after 10 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ImmediateRetries: 3,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      10,
	}
}

// Delay returns the wait before retry n (1-based). ok is false once the
// policy is exhausted.
func (p RetryPolicy) Delay(n int) (d time.Duration, ok bool) {
	if n < 1 || n > p.MaxAttempts {
		return 0, false
	}
	if n <= p.ImmediateRetries {
		return 0, true
	}

	shift := n - p.ImmediateRetries - 1
	if shift >= 32 {
		return p.MaxDelay, true
	}
	d = p.BaseDelay << shift
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, true
}
