package network

import (
	"context"
	"encoding/json"
	"strings"
)

// ProgressFunc receives the number of request bytes sent so far and the total request size.
// It may be called from a different goroutine than the one issuing the request.
type ProgressFunc func(sent, total int64)

// Backend is the storage service that persists uploaded files.
// Every method is a single request without internal retries; retrying is the caller's job.
type Backend interface {
	// DirectUpload stores a small file with a single request.
	DirectUpload(ctx context.Context, params DirectUploadParams, progress ProgressFunc) (*FileRecord, error)

	// UploadedChunks returns the chunk indices already staged for the file digest.
	// An unknown digest yields an empty list and no error.
	UploadedChunks(ctx context.Context, params ResumeParams) ([]int, error)

	// UploadChunk stages one chunk of a large file.
	UploadChunk(ctx context.Context, params ChunkParams, progress ProgressFunc) error

	// Merge assembles the staged chunks into the final object.
	// Merging an already assembled file is a no-op that succeeds.
	Merge(ctx context.Context, params MergeParams) (*FileRecord, error)
}

// DirectUploadParams ...
type DirectUploadParams struct {
	FileName    string
	FileHash    string
	Data        []byte
	Description string
}

// ResumeParams ...
type ResumeParams struct {
	FileHash    string
	FileSize    int64
	TotalChunks int
}

// ChunkParams ...
type ChunkParams struct {
	FileName    string
	FileHash    string
	ChunkHash   string
	ChunkIndex  int
	TotalChunks int
	Data        []byte
}

// MergeParams ...
type MergeParams struct {
	FileName    string
	FileHash    string
	TotalChunks int
	Description string
}

// FileRecord describes a stored file as reported by the backend.
type FileRecord struct {
	ID       string `json:"id"`
	FileName string `json:"filename"`
	FileSize int64  `json:"file_size"`
	// UploadTime is kept as sent by the backend, which does not always include a zone offset.
	UploadTime  string `json:"upload_time"`
	DownloadURL string `json:"download_url"`
	// UploadSpeed is the server side throughput in MB/s.
	UploadSpeed float64 `json:"upload_speed"`
}

// UnmarshalJSON accepts both numeric and string ids.
func (r *FileRecord) UnmarshalJSON(data []byte) error {
	type plain FileRecord
	var aux struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*r = FileRecord(aux.plain)
	r.ID = strings.Trim(string(aux.ID), `"`)
	return nil
}
