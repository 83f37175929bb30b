package acquisition

import "sync"

// RecordBuffer is the append-only, time-ordered record of a session.
// It is safe for concurrent use.
type RecordBuffer struct {
	mu      sync.RWMutex
	samples []Sample
}

// Append adds s and returns the new length
func (b *RecordBuffer) Append(s Sample) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, s)
	return len(b.samples)
}

// Len returns the number of samples
func (b *RecordBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Snapshot returns a copy of every sample
func (b *RecordBuffer) Snapshot() []Sample {
	return b.Since(0)
}

// Since returns a copy of the samples from index n on
func (b *RecordBuffer) Since(n int) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(b.samples) {
		return nil
	}
	out := make([]Sample, len(b.samples)-n)
	copy(out, b.samples[n:])
	return out
}

// Last returns the newest sample, if any
func (b *RecordBuffer) Last() (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return Sample{}, false
	}
	return b.samples[len(b.samples)-1], true
}
