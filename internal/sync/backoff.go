package sync

import (
	"math/rand"
	"time"
)

// BackoffSchedule computes retry delays for transient failures: exponential
// growth from Base, capped at Max, with ±10% jitter so queued entries do not
// retry in lockstep.
type BackoffSchedule struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (1-based). The schedule
// before jitter is monotonic: Base, 2*Base, 4*Base, ... capped at Max.
func (b BackoffSchedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}

	// ±10% jitter.
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}
