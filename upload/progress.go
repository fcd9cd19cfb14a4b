package upload

import (
	"math"
	"sync"
)

// ProgressAggregator turns chunk completions and byte level request progress into a 0-100 percentage.
// The reported value never decreases and only reaches 100 once Complete is called.
type ProgressAggregator struct {
	mu          sync.Mutex
	totalChunks int
	completed   int
	value       int
	done        bool
}

// NewChunkedProgress tracks a file uploaded in totalChunks chunks.
func NewChunkedProgress(totalChunks int) *ProgressAggregator {
	if totalChunks < 1 {
		totalChunks = 1
	}
	return &ProgressAggregator{totalChunks: totalChunks}
}

// NewDirectProgress tracks a file uploaded with a single request.
func NewDirectProgress() *ProgressAggregator {
	return &ProgressAggregator{totalChunks: 1}
}

// ChunkDone credits one more chunk, either transmitted or found on the backend.
func (p *ProgressAggregator) ChunkDone() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed < p.totalChunks {
		p.completed++
	}
	return p.set(float64(p.completed) / float64(p.totalChunks) * 100)
}

// InFlight reports sent of total bytes of the request currently being transmitted.
func (p *ProgressAggregator) InFlight(sent, total int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fraction float64
	if total > 0 {
		fraction = float64(sent) / float64(total)
	}
	if fraction > 1 {
		fraction = 1
	}

	share := 100 / float64(p.totalChunks)
	return p.set(float64(p.completed)*share + fraction*share)
}

// Complete marks the upload as confirmed by the backend.
func (p *ProgressAggregator) Complete() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = true
	p.value = 100
	return p.value
}

// Value returns the current percentage.
func (p *ProgressAggregator) Value() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func (p *ProgressAggregator) set(raw float64) int {
	v := int(math.Round(raw))
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	if !p.done && v >= 100 {
		v = 99
	}
	if v > p.value {
		p.value = v
	}
	return p.value
}
