package traffic

import (
	"sync"
	"time"
)

// maxAge bounds how far back any window query can look.
const maxAge = 30 * time.Minute

var defaultTracker = NewTracker(time.Now)

// RecordSuccess records a refresh that merged a fresh observation.
func RecordSuccess() {
	defaultTracker.record(&defaultTracker.successes)
}

// RecordError records a refresh that ended in a fetch error.
func RecordError() {
	defaultTracker.record(&defaultTracker.errors)
}

// RecordDenied records a refresh request rejected by the rate limiter.
func RecordDenied() {
	defaultTracker.record(&defaultTracker.denied)
}

// ErrorRate returns (errorCount, totalCount) of refresh outcomes within window.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// DenialCount returns the number of rate-limit denials within window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker keeps sliding windows of refresh outcome timestamps.
type Tracker struct {
	mu        sync.Mutex
	now       func() time.Time
	successes []time.Time
	errors    []time.Time
	denied    []time.Time
}

// NewTracker returns a Tracker reading time from now.
func NewTracker(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

func (t *Tracker) RecordSuccess() { t.record(&t.successes) }
func (t *Tracker) RecordError()   { t.record(&t.errors) }
func (t *Tracker) RecordDenied()  { t.record(&t.denied) }

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// ErrorRate returns (errorCount, totalCount) within window. Denials are not outcomes.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errCount := countSince(t.errors, cutoff)
	return errCount, errCount + countSince(t.successes, cutoff)
}

// DenialCount returns the number of denials within window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.denied, t.now().Add(-window))
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes, t.errors, t.denied = nil, nil, nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	for _, slice := range []*[]time.Time{&t.successes, &t.errors, &t.denied} {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
}
