package queue

import "time"

// DefaultMaxRetries is the retry ceiling for task messages.
const DefaultMaxRetries = 3

// DefaultRetryDelay is the pause before a retried task message is redelivered.
const DefaultRetryDelay = time.Minute

// Policy decides whether and when a failed message is retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Delay returns the pause before the retry with the given (already incremented) counter.
	Delay func(retries int) time.Duration
}

// DefaultPolicy retries task messages DefaultMaxRetries times after DefaultRetryDelay.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Delay: FixedDelay(DefaultRetryDelay)}
}

// NotificationBackoff is the fixed schedule used for outbound notifications.
var NotificationBackoff = []time.Duration{
	0,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	15 * time.Minute,
	15 * time.Minute,
}

// NotificationPolicy retries outbound notifications 5 times along NotificationBackoff.
func NotificationPolicy() Policy {
	return Policy{MaxRetries: 5, Delay: BackoffTable(NotificationBackoff)}
}

// FixedDelay returns the same pause for every retry.
func FixedDelay(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// BackoffTable indexes table by retry count, repeating its last entry.
func BackoffTable(table []time.Duration) func(int) time.Duration {
	return func(retries int) time.Duration {
		if len(table) == 0 {
			return 0
		}
		if retries < 0 {
			retries = 0
		}
		if retries >= len(table) {
			return table[len(table)-1]
		}
		return table[retries]
	}
}

// Exhausted reports whether a message that failed with the given counter
// has used up its retries.
func (p Policy) Exhausted(retries int) bool {
	return retries >= p.MaxRetries
}

func (p Policy) delay(retries int) time.Duration {
	if p.Delay == nil {
		return 0
	}
	return p.Delay(retries)
}
