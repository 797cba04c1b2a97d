package push

import "time"

// maxBackoffUnits caps the reconnect delay at 30 units.
const maxBackoffUnits = 30

// Backoff yields reconnect delays of min(2^attempt, 30) units. It is not safe
// for concurrent use; the channel's run loop owns it.
type Backoff struct {
	Unit    time.Duration
	attempt int
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	unit := b.Unit
	if unit <= 0 {
		unit = time.Second
	}
	n := maxBackoffUnits
	if b.attempt < 5 {
		n = min(1<<b.attempt, maxBackoffUnits)
	}
	b.attempt++
	return time.Duration(n) * unit
}

// Reset starts the sequence over at one unit.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }
