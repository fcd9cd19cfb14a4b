package upload

import (
	"fmt"
	"time"
)

const (
	// DefaultChunkSize is the byte length of every chunk but the last.
	DefaultChunkSize int64 = 16 * 1024 * 1024
	// DefaultChunkThreshold is the largest file size still sent in a single request.
	DefaultChunkThreshold = DefaultChunkSize
)

// Config holds the tuning of a batch upload.
type Config struct {
	// ChunkSize is the length of the chunks a large file is split into. It is constant for the whole upload of a file.
	// Default: 16 MiB
	ChunkSize int64

	// ChunkThreshold is the size above which a file is uploaded in chunks.
	// Default: 16 MiB
	ChunkThreshold int64

	// PipelineDepth is how many chunks are read and hashed ahead of the one being transmitted.
	// Valid values are 1 and 2.
	// Default: 1
	PipelineDepth int

	// MaxAttempts is the number of attempts of a request that fails with a transport error.
	// Default: 3
	MaxAttempts int

	// RetryInitialInterval and RetryMaxInterval bound the exponential backoff between attempts.
	// Default: 1 second and 30 seconds
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// RequestTimeout limits every single backend request. 0 means no limit.
	RequestTimeout time.Duration

	// MaxConcurrentTasks limits how many files are uploaded at the same time. 0 means no limit.
	MaxConcurrentTasks int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:            DefaultChunkSize,
		ChunkThreshold:       DefaultChunkThreshold,
		PipelineDepth:        1,
		MaxAttempts:          3,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
		RequestTimeout:       0,
		MaxConcurrentTasks:   0,
	}
}

// Validate ...
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size should be positive, got %d", c.ChunkSize)
	}
	if c.ChunkThreshold < 0 {
		return fmt.Errorf("chunk threshold should not be negative, got %d", c.ChunkThreshold)
	}
	if c.PipelineDepth < 1 || c.PipelineDepth > 2 {
		return fmt.Errorf("pipeline depth should be 1 or 2, got %d", c.PipelineDepth)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts should be at least 1, got %d", c.MaxAttempts)
	}
	if c.RetryInitialInterval < 0 || c.RetryMaxInterval < 0 {
		return fmt.Errorf("retry intervals should not be negative")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout should not be negative, got %s", c.RequestTimeout)
	}
	if c.MaxConcurrentTasks < 0 {
		return fmt.Errorf("max concurrent tasks should not be negative, got %d", c.MaxConcurrentTasks)
	}
	return nil
}

// Secret is a string that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}
