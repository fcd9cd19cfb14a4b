package chunk

import (
	"sync"
	"time"
)

// Stats tracks chunk transfer performance for logging and reporting.
type Stats struct {
	sum            time.Duration
	bytes          int64
	finishedChunks int64
	skippedChunks  int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk transfer.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.bytes += size
	s.finishedChunks++
}

// Skip records a chunk that was already stored by the backend.
func (s *Stats) Skip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skippedChunks++
}

// Average returns the average transfer duration of the transmitted chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// Throughput returns the transmitted bytes per second.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sum <= 0 {
		return 0
	}
	return float64(s.bytes) / s.sum.Seconds()
}

// FinishedCount returns the number of transmitted chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// SkippedCount returns the number of chunks the backend already had.
func (s *Stats) SkippedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skippedChunks
}

// TotalDuration returns the sum of all transfer durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
