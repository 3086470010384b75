package supervisor

import "time"

// RestartStrategy decides whether and when a failed agent should be
// respawned. Implementations are stateful per agent: Next is called
// once per failure and mutates internal counters.
type RestartStrategy interface {
	// Next reports whether the agent should restart and, if so, the
	// delay to wait before doing so.
	Next(failedAt time.Time) (restart bool, delay time.Duration)
	// Name identifies the strategy for metrics labeling.
	Name() string
}

// Immediate respawns with zero delay, unconditionally.
type Immediate struct{}

func (Immediate) Next(time.Time) (bool, time.Duration) { return true, 0 }
func (Immediate) Name() string                         { return "immediate" }

// Never never restarts.
type Never struct{}

func (Never) Next(time.Time) (bool, time.Duration) { return false, 0 }
func (Never) Name() string                         { return "never" }

// Backoff restarts with an exponentially increasing delay:
// delay_next = min(delay_prev * multiplier, max).
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	prevDelay time.Duration
}

func (b *Backoff) Next(time.Time) (bool, time.Duration) {
	if b.prevDelay == 0 {
		b.prevDelay = b.Initial
		return true, b.prevDelay
	}
	next := time.Duration(float64(b.prevDelay) * b.Multiplier)
	if next > b.Max {
		next = b.Max
	}
	b.prevDelay = next
	return true, next
}

func (b *Backoff) Name() string { return "backoff" }

// MaxFailures restarts immediately unless the number of failures within
// the trailing Window already reaches Count, in which case it gives up.
type MaxFailures struct {
	Count  int
	Window time.Duration

	failures []time.Time
}

func (m *MaxFailures) Next(failedAt time.Time) (bool, time.Duration) {
	cutoff := failedAt.Add(-m.Window)
	kept := m.failures[:0]
	for _, f := range m.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	m.failures = append(kept, failedAt)

	if len(m.failures) > m.Count {
		return false, 0
	}
	return true, 0
}

func (m *MaxFailures) Name() string { return "max_failures" }
