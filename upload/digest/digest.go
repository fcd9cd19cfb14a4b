// Package digest computes the content digests used to address files and chunks.
// A digest is the lowercase hex SHA-256 of the content; it does not depend on the file name.
package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Reader reads r to the end and returns the digest of everything read.
// Reading stops with the context's error once ctx is done.
func Reader(ctx context.Context, r io.Reader) (string, error) {
	hash := sha256.New()

	_, err := io.Copy(hash, contextReader{ctx: ctx, r: r})
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Bytes returns the digest of b.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
