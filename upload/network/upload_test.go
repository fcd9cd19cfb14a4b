package network

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "session-token"

func newTestBackend(t *testing.T, handler http.HandlerFunc) *HTTPBackend {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	backend, err := NewHTTPBackend(HTTPParams{
		BaseURL: server.URL + "/api/files/",
		Tokens:  StaticToken(testToken),
	}, log.NewLogger())
	require.NoError(t, err)

	return backend
}

func TestNewHTTPBackend_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params HTTPParams
	}{
		{name: "no base URL", params: HTTPParams{Tokens: StaticToken("x")}},
		{name: "no token source", params: HTTPParams{BaseURL: "http://localhost"}},
		{name: "negative retry max", params: HTTPParams{BaseURL: "http://localhost", Tokens: StaticToken("x"), RetryMax: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPBackend(tt.params, log.NewLogger())
			assert.Error(t, err)
		})
	}
}

func TestHTTPBackend_DirectUpload(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/files/upload", r.URL.Path)
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "holiday photos", r.FormValue("description"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "photo.jpg", header.Filename)
		assert.Equal(t, "jpeg bytes", string(content))

		_, _ = w.Write([]byte(`{"id": 7, "filename": "photo.jpg", "file_size": 10, "upload_time": "2024-05-01T10:00:00.123456", "download_url": "/api/files/download/7", "upload_speed": 1.5}`))
	})

	var mu sync.Mutex
	var lastSent, lastTotal int64
	record, err := backend.DirectUpload(context.Background(), DirectUploadParams{
		FileName:    "photo.jpg",
		FileHash:    "abc",
		Data:        []byte("jpeg bytes"),
		Description: "holiday photos",
	}, func(sent, total int64) {
		mu.Lock()
		defer mu.Unlock()
		assert.GreaterOrEqual(t, sent, lastSent)
		lastSent, lastTotal = sent, total
	})

	require.NoError(t, err)
	assert.Equal(t, "7", record.ID)
	assert.Equal(t, "/api/files/download/7", record.DownloadURL)
	assert.Equal(t, int64(10), record.FileSize)
	assert.Equal(t, 1.5, record.UploadSpeed)
	assert.Equal(t, lastTotal, lastSent)
}

func TestHTTPBackend_UploadedChunks(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/files/upload/check", r.URL.Path)
		assert.Equal(t, "deadbeef", r.URL.Query().Get("file_hash"))
		assert.Equal(t, "3", r.URL.Query().Get("total_chunks"))
		assert.Equal(t, "41943040", r.URL.Query().Get("file_size"))

		_, _ = w.Write([]byte(`{"uploaded_chunks": [2, 0, 0, 9, -1]}`))
	})

	got, err := backend.UploadedChunks(context.Background(), ResumeParams{
		FileHash:    "deadbeef",
		FileSize:    40 << 20,
		TotalChunks: 3,
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, got)
}

func TestHTTPBackend_UploadedChunks_UnknownDigest(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	got, err := backend.UploadedChunks(context.Background(), ResumeParams{FileHash: "x", TotalChunks: 2})

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHTTPBackend_UploadChunk(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/files/upload/chunk", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		fields := map[string]string{
			"chunk_index":  "1",
			"total_chunks": "3",
			"file_name":    "video.mp4",
			"file_hash":    "filedigest",
			"chunk_hash":   "chunkdigest",
		}
		for name, want := range fields {
			assert.Equal(t, want, r.FormValue(name), name)
		}

		file, _, err := r.FormFile("chunk")
		require.NoError(t, err)
		defer file.Close()
		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "chunk bytes", string(content))

		_ = json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
	})

	err := backend.UploadChunk(context.Background(), ChunkParams{
		FileName:    "video.mp4",
		FileHash:    "filedigest",
		ChunkHash:   "chunkdigest",
		ChunkIndex:  1,
		TotalChunks: 3,
		Data:        []byte("chunk bytes"),
	}, nil)

	assert.NoError(t, err)
}

func TestHTTPBackend_UploadChunk_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "digest mismatch",
			status: http.StatusUnprocessableEntity,
			check: func(t *testing.T, err error) {
				var mismatch *DigestMismatchError
				require.True(t, errors.As(err, &mismatch))
				assert.Equal(t, 4, mismatch.Index)
				assert.False(t, IsRetryable(err))
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				assert.True(t, IsUnauthorized(err))
				assert.False(t, IsRetryable(err))
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				assert.True(t, IsRetryable(err))
				var statusErr *StatusError
				require.True(t, errors.As(err, &statusErr))
				assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
				assert.Equal(t, "boom", statusErr.Body)
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				var statusErr *StatusError
				require.True(t, errors.As(err, &statusErr))
				assert.False(t, IsRetryable(err))
				assert.False(t, IsUnauthorized(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("boom"))
			})

			err := backend.UploadChunk(context.Background(), ChunkParams{
				FileName:    "a.bin",
				FileHash:    "f",
				ChunkHash:   "c",
				ChunkIndex:  4,
				TotalChunks: 5,
				Data:        []byte("x"),
			}, nil)

			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestHTTPBackend_Merge(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/files/upload/merge", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "video.mp4", r.FormValue("file_name"))
		assert.Equal(t, "filedigest", r.FormValue("file_hash"))
		assert.Equal(t, "3", r.FormValue("total_chunks"))
		assert.Equal(t, "", r.FormValue("description"))

		_, _ = w.Write([]byte(`{"id": "f-1", "filename": "video.mp4", "file_size": 41943040}`))
	})

	record, err := backend.Merge(context.Background(), MergeParams{
		FileName:    "video.mp4",
		FileHash:    "filedigest",
		TotalChunks: 3,
	})

	require.NoError(t, err)
	assert.Equal(t, "f-1", record.ID)
	assert.Equal(t, int64(40<<20), record.FileSize)
}

func TestHTTPBackend_Merge_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "digest mismatch",
			status: http.StatusConflict,
			check: func(t *testing.T, err error) {
				var mismatch *DigestMismatchError
				require.True(t, errors.As(err, &mismatch))
				assert.Equal(t, -1, mismatch.Index)
			},
		},
		{
			name:   "missing chunk",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var assembly *ServerAssemblyError
				require.True(t, errors.As(err, &assembly))
				assert.Equal(t, http.StatusBadRequest, assembly.StatusCode)
			},
		},
		{
			name:   "gateway timeout",
			status: http.StatusGatewayTimeout,
			check: func(t *testing.T, err error) {
				assert.True(t, IsRetryable(err))
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				assert.True(t, IsUnauthorized(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := backend.Merge(context.Background(), MergeParams{FileName: "a", FileHash: "f", TotalChunks: 1})

			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestHTTPBackend_EmptyToken(t *testing.T) {
	requests := 0
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
	})
	backend.client.tokens = StaticToken("")

	err := backend.UploadChunk(context.Background(), ChunkParams{ChunkIndex: 0, TotalChunks: 1, Data: []byte("x")}, nil)

	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, 0, requests)
}

func TestFileRecord_UnmarshalJSON(t *testing.T) {
	var numeric, text FileRecord

	require.NoError(t, json.Unmarshal([]byte(`{"id": 42, "filename": "a.txt"}`), &numeric))
	require.NoError(t, json.Unmarshal([]byte(`{"id": "abc", "filename": "b.txt"}`), &text))

	assert.Equal(t, "42", numeric.ID)
	assert.Equal(t, "a.txt", numeric.FileName)
	assert.Equal(t, "abc", text.ID)
}

func Test_normalizeIndices(t *testing.T) {
	assert.Equal(t, []int{0, 1, 3}, normalizeIndices([]int{3, 1, 1, 0, 7, -2}, 4))
	assert.Empty(t, normalizeIndices(nil, 4))
}
