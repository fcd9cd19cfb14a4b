package chunk

import (
	"fmt"
	"io"
	"os"
)

// ReaderAtProvider reads chunks from any io.ReaderAt of known size.
// Safe for concurrent chunk reads as long as the underlying ReaderAt is.
type ReaderAtProvider struct {
	r      io.ReaderAt
	closer io.Closer
	plan   Plan
}

// NewReaderAtProvider creates a Provider over r, which holds size bytes.
func NewReaderAtProvider(r io.ReaderAt, size, chunkSize int64) (*ReaderAtProvider, error) {
	plan, err := NewPlan(size, chunkSize)
	if err != nil {
		return nil, err
	}

	return &ReaderAtProvider{r: r, plan: plan}, nil
}

// Size returns the total content size in bytes.
func (p *ReaderAtProvider) Size() int64 {
	return p.plan.Size
}

// Plan returns the chunk layout of the content.
func (p *ReaderAtProvider) Plan() Plan {
	return p.plan
}

// ReadChunk returns the bytes of the chunk at the given index.
func (p *ReaderAtProvider) ReadChunk(index int) ([]byte, error) {
	d, err := p.plan.Descriptor(index)
	if err != nil {
		return nil, err
	}

	chunk := make([]byte, d.Length)
	n, err := p.r.ReadAt(chunk, d.Offset)
	if err != nil && !(err == io.EOF && int64(n) == d.Length) {
		if err == io.EOF {
			return nil, fmt.Errorf("unexpected end of file at chunk %d: read %d of %d bytes", index, n, d.Length)
		}
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}

	return chunk, nil
}

// Reader returns a new reader over the whole content.
func (p *ReaderAtProvider) Reader() io.Reader {
	return io.NewSectionReader(p.r, 0, p.plan.Size)
}

// Close closes the underlying source, if it is closable.
func (p *ReaderAtProvider) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// NewFileProvider creates a Provider that reads from an opened file.
// The provider takes ownership of the file and closes it on Close.
func NewFileProvider(file *os.File, chunkSize int64) (*ReaderAtProvider, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", file.Name())
	}

	p, err := NewReaderAtProvider(file, info.Size(), chunkSize)
	if err != nil {
		return nil, err
	}
	p.closer = file

	return p, nil
}
