package channel

import "time"

// Default reconnection parameters.
const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 2 * time.Second
)

// RetryPolicy bounds automatic reconnection. The delay between attempts is
// constant. After MaxAttempts consecutive failed reconnects the channel gives
// up and reports exhaustion.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// withDefaults fills zero fields.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryDelay
	}
	return p
}

// allows reports whether another attempt may follow the given number of
// attempts already made.
func (p RetryPolicy) allows(made int) bool { return made < p.MaxAttempts }
