package network

import (
	"bytes"
	"io"
	"sync"
)

// progressReader reports how much of a fixed size body has been read.
// It is also an io.Seeker so that the S3 SDK can rewind it for signing and retries.
type progressReader struct {
	r        *bytes.Reader
	total    int64
	progress ProgressFunc

	mu       sync.Mutex
	reported int64
}

func newProgressReader(data []byte, progress ProgressFunc) *progressReader {
	return &progressReader{
		r:        bytes.NewReader(data),
		total:    int64(len(data)),
		progress: progress,
	}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.report(p.total - int64(p.r.Len()))
	}
	return n, err
}

func (p *progressReader) Seek(offset int64, whence int) (int64, error) {
	return p.r.Seek(offset, whence)
}

// report only forwards growing values; a rewound body does not move progress backwards.
func (p *progressReader) report(sent int64) {
	if p.progress == nil {
		return
	}

	p.mu.Lock()
	if sent <= p.reported {
		p.mu.Unlock()
		return
	}
	p.reported = sent
	p.mu.Unlock()

	p.progress(sent, p.total)
}

var _ io.ReadSeeker = (*progressReader)(nil)
