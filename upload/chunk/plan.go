package chunk

import (
	"fmt"
)

// Plan is the chunk layout of a file. The chunk size never changes during a file's upload.
type Plan struct {
	Size      int64
	ChunkSize int64
	NumChunks int
}

// NewPlan creates the chunk layout for a file of the given size.
func NewPlan(size, chunkSize int64) (Plan, error) {
	if size < 0 {
		return Plan{}, fmt.Errorf("invalid size: %d", size)
	}
	if chunkSize <= 0 {
		return Plan{}, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}

	return Plan{
		Size:      size,
		ChunkSize: chunkSize,
		NumChunks: Count(size, chunkSize),
	}, nil
}

// Count returns ceil(size / chunkSize).
func Count(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Length returns the length of the chunk at the given index.
// The last chunk holds the remainder, or a full chunk if the size is an exact multiple.
func (p Plan) Length(index int) int64 {
	if index < 0 || index >= p.NumChunks {
		return 0
	}
	if index == p.NumChunks-1 {
		if rem := p.Size % p.ChunkSize; rem != 0 {
			return rem
		}
	}
	return p.ChunkSize
}

// LastChunkSize returns the length of the final chunk.
func (p Plan) LastChunkSize() int64 {
	return p.Length(p.NumChunks - 1)
}

// Descriptor returns the byte range of the chunk at the given index. The digest is left empty.
func (p Plan) Descriptor(index int) (Descriptor, error) {
	if index < 0 || index >= p.NumChunks {
		return Descriptor{}, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.NumChunks)
	}

	return Descriptor{
		Index:  index,
		Offset: int64(index) * p.ChunkSize,
		Length: p.Length(index),
	}, nil
}
