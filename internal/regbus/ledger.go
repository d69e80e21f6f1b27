package regbus

import (
	"sync"
	"time"
)

const (
	defaultRetryCeiling = 20
	defaultLatchCeiling = 1
)

// Ledger counts consecutive bus failures. Its lock is also the lock the
// lifecycle takes when a state change must be atomic with a counter reset.
type Ledger struct {
	mu sync.Mutex

	total int
	latch int

	maxTotal int
	maxLatch int

	// escalatedAt is when recovery last ran or a reset last cleared the counters.
	escalatedAt time.Time
}

func newLedger(maxTotal, maxLatch int) *Ledger {
	if maxTotal <= 0 {
		maxTotal = defaultRetryCeiling
	}
	if maxLatch <= 0 {
		maxLatch = defaultLatchCeiling
	}
	return &Ledger{maxTotal: maxTotal, maxLatch: maxLatch, escalatedAt: now()}
}

func (l *Ledger) Lock()   { l.mu.Lock() }
func (l *Ledger) Unlock() { l.mu.Unlock() }

// ExhaustedLocked reports whether either ceiling was crossed. Caller holds the lock.
func (l *Ledger) ExhaustedLocked() bool {
	return l.total > l.maxTotal || l.latch > l.maxLatch
}

func (l *Ledger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ExhaustedLocked()
}

// ResetLocked zeroes both counters. Caller holds the lock.
func (l *Ledger) ResetLocked() {
	l.total = 0
	l.latch = 0
}

func (l *Ledger) failLocked(latch bool) {
	if latch {
		l.latch++
	}
	l.total++
}

// CooldownElapsedLocked reports whether period has passed since the last escalation.
func (l *Ledger) CooldownElapsedLocked(period time.Duration) bool {
	return now().Sub(l.escalatedAt) > period
}

// StampLocked records an escalation at the current time.
func (l *Ledger) StampLocked() { l.escalatedAt = now() }

// Counts returns the total and latch counters.
func (l *Ledger) Counts() (total, latch int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, l.latch
}
