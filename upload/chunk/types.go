// Package chunk splits a file into fixed-size byte ranges and reads them for transmission.
// A file of size S with chunk size C has ceil(S/C) chunks; every chunk but the last
// is exactly C bytes long.
package chunk

import (
	"io"
)

// Descriptor identifies a single chunk of a file.
// It is derived from the file's Plan and is never persisted.
type Descriptor struct {
	Index  int
	Offset int64
	Length int64
	// Digest is the hex encoded SHA-256 of the chunk bytes, filled right before transmission.
	Digest string
}

// Provider provides file content for upload.
// Implementations can read from files or memory buffers.
type Provider interface {
	// Size returns the total content size in bytes.
	Size() int64

	// Plan returns the chunk layout of the content.
	Plan() Plan

	// ReadChunk returns the bytes of the chunk at the given index.
	// ReadChunk may be called multiple times for the same index (retries).
	ReadChunk(index int) ([]byte, error)

	// Reader returns a new reader over the whole content, starting at offset 0.
	Reader() io.Reader

	// Close releases the underlying resources.
	Close() error
}
