package upload

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivekit/go-uploader/upload/network"
)

func newTestUploader(envVars map[string]string, backend network.Backend) *uploader {
	return NewUploader(
		fakeEnvRepo{envVars: envVars},
		log.NewLogger(),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		backend,
	)
}

func Test_createConfig(t *testing.T) {
	testdataAbsPath, err := filepath.Abs("testdata")
	if err != nil {
		t.Fatal(err)
	}

	defaultEnvs := map[string]string{
		"DRIVE_API_URL":      "fake drive URL",
		"DRIVE_ACCESS_TOKEN": "fake drive access token",
	}
	chunkConfig := func(chunkSize int64) Config {
		config := DefaultConfig()
		config.ChunkSize = chunkSize
		return config
	}

	tests := []struct {
		name    string
		input   Input
		envVars map[string]string
		want    uploadConfig
		wantErr bool
	}{
		{
			name:    "No paths",
			input:   Input{},
			envVars: defaultEnvs,
			wantErr: true,
		},
		{
			name:    "Only missing paths",
			input:   Input{Paths: []string{"testdata/missing.txt"}},
			envVars: defaultEnvs,
			wantErr: true,
		},
		{
			name:    "Single file path",
			input:   Input{Paths: []string{"testdata/dummy_file.txt"}, Description: "notes"},
			envVars: defaultEnvs,
			want: uploadConfig{
				Config:         DefaultConfig(),
				Paths:          []string{filepath.Join(testdataAbsPath, "dummy_file.txt")},
				Description:    "notes",
				APIBaseURL:     "fake drive URL",
				APIAccessToken: "fake drive access token",
			},
		},
		{
			name: "Multiple file paths with wildcards",
			input: Input{Paths: []string{
				"testdata/dummy_file.txt",
				"testdata/**/nested_*.txt",
				"testdata/subfolder",
				"testdata/dummy_file.txt",
			}},
			envVars: defaultEnvs,
			want: uploadConfig{
				Config: DefaultConfig(),
				Paths: []string{
					filepath.Join(testdataAbsPath, "dummy_file.txt"),
					filepath.Join(testdataAbsPath, "subfolder", "nested_file.txt"),
				},
				APIBaseURL:     "fake drive URL",
				APIAccessToken: "fake drive access token",
			},
		},
		{
			name:  "Input overrides the environment",
			input: Input{Paths: []string{"testdata/dummy_file.txt"}, APIBaseURL: "input URL", AccessToken: "input token", ChunkSize: 1024},
			envVars: map[string]string{
				"DRIVE_API_URL":      "fake drive URL",
				"DRIVE_ACCESS_TOKEN": "fake drive access token",
				"DRIVE_CHUNK_SIZE":   "8MB",
			},
			want: uploadConfig{
				Config:         chunkConfig(1024),
				Paths:          []string{filepath.Join(testdataAbsPath, "dummy_file.txt")},
				APIBaseURL:     "input URL",
				APIAccessToken: "input token",
			},
		},
		{
			name:  "Tuning from the environment",
			input: Input{Paths: []string{"testdata/dummy_file.txt"}},
			envVars: map[string]string{
				"DRIVE_API_URL":         "fake drive URL",
				"DRIVE_ACCESS_TOKEN":    "fake drive access token",
				"DRIVE_CHUNK_SIZE":      "8MB",
				"DRIVE_REQUEST_TIMEOUT": "90s",
				"DRIVE_MAX_ATTEMPTS":    "5",
			},
			want: uploadConfig{
				Config: func() Config {
					config := chunkConfig(8 * 1024 * 1024)
					config.RequestTimeout = 90 * time.Second
					config.MaxAttempts = 5
					return config
				}(),
				Paths:          []string{filepath.Join(testdataAbsPath, "dummy_file.txt")},
				APIBaseURL:     "fake drive URL",
				APIAccessToken: "fake drive access token",
			},
		},
		{
			name:  "S3 bucket needs no API",
			input: Input{Paths: []string{"testdata/dummy_file.txt"}},
			envVars: map[string]string{
				"DRIVE_S3_BUCKET":       "drive",
				"DRIVE_S3_REGION":       "eu-west-1",
				"AWS_ACCESS_KEY_ID":     "key",
				"AWS_SECRET_ACCESS_KEY": "secret",
			},
			want: uploadConfig{
				Config: DefaultConfig(),
				Paths:  []string{filepath.Join(testdataAbsPath, "dummy_file.txt")},
				S3: s3Config{
					Bucket:          "drive",
					Region:          "eu-west-1",
					AccessKeyID:     "key",
					SecretAccessKey: "secret",
				},
			},
		},
		{
			name:    "Missing access token",
			input:   Input{Paths: []string{"testdata/dummy_file.txt"}},
			envVars: map[string]string{"DRIVE_API_URL": "fake drive URL"},
			wantErr: true,
		},
		{
			name:    "Missing API URL",
			input:   Input{Paths: []string{"testdata/dummy_file.txt"}},
			envVars: map[string]string{"DRIVE_ACCESS_TOKEN": "fake drive access token"},
			wantErr: true,
		},
		{
			name:  "Invalid chunk size",
			input: Input{Paths: []string{"testdata/dummy_file.txt"}},
			envVars: map[string]string{
				"DRIVE_API_URL":      "fake drive URL",
				"DRIVE_ACCESS_TOKEN": "fake drive access token",
				"DRIVE_CHUNK_SIZE":   "huge",
			},
			wantErr: true,
		},
		{
			name:  "Invalid max attempts",
			input: Input{Paths: []string{"testdata/dummy_file.txt"}},
			envVars: map[string]string{
				"DRIVE_API_URL":      "fake drive URL",
				"DRIVE_ACCESS_TOKEN": "fake drive access token",
				"DRIVE_MAX_ATTEMPTS": "0",
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newTestUploader(tt.envVars, nil)
			got, err := u.createConfig(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("createConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("createConfig() got = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_createConfig_InjectedBackend(t *testing.T) {
	u := newTestUploader(map[string]string{}, newFakeBackend())

	config, err := u.createConfig(Input{Paths: []string{"testdata/dummy_file.txt"}})
	require.NoError(t, err)
	assert.Empty(t, config.APIBaseURL)

	_, err = u.createConfig(Input{Paths: []string{"testdata/dummy_file.txt"}, Verify: true})
	assert.Error(t, err)
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.txt")
	large := filepath.Join(dir, "large.bin")
	require.NoError(t, os.WriteFile(small, []byte("hello"), 0600))
	require.NoError(t, os.WriteFile(large, testContent(3000, 61), 0600))

	backend := newFakeBackend()
	recorder := newProgressRecorder()
	u := newTestUploader(map[string]string{}, backend)

	result, err := u.Upload(context.Background(), Input{
		Paths:       []string{filepath.Join(dir, "*")},
		Description: "backup",
		ChunkSize:   1024,
		Observer:    recorder.observe,
	})
	require.NoError(t, err)

	require.True(t, result.Succeeded())
	require.Len(t, result.Tasks, 2)
	assert.Equal(t, 1, backend.directCalls["small.txt"])
	assert.Equal(t, 1, backend.directCalls["large.bin"])
	assert.Empty(t, backend.sentChunks("large.bin"))
	assert.Equal(t, StatusCompleted, recorder.statuses("large.bin")[len(recorder.statuses("large.bin"))-1])
}

func Test_createConfig_ChunkSizeKeepsThreshold(t *testing.T) {
	envVars := map[string]string{
		"DRIVE_API_URL":      "fake drive URL",
		"DRIVE_ACCESS_TOKEN": "fake drive access token",
		"DRIVE_CHUNK_SIZE":   "4MB",
	}
	u := newTestUploader(envVars, nil)

	fromEnv, err := u.createConfig(Input{Paths: []string{"testdata/dummy_file.txt"}})
	require.NoError(t, err)
	assert.Equal(t, int64(4*1024*1024), fromEnv.ChunkSize)
	assert.Equal(t, int64(DefaultChunkThreshold), fromEnv.ChunkThreshold)

	fromInput, err := u.createConfig(Input{Paths: []string{"testdata/dummy_file.txt"}, ChunkSize: 64 * 1024 * 1024})
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), fromInput.ChunkSize)
	assert.Equal(t, int64(16*1024*1024), fromInput.ChunkThreshold)
}

func TestUpload_FailedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("pixels"), 0600))

	backend := newFakeBackend()
	backend.onDirect = func(context.Context, network.DirectUploadParams) error {
		return &network.StatusError{StatusCode: 413, Body: "too large"}
	}
	u := newTestUploader(map[string]string{}, backend)

	result, err := u.Upload(context.Background(), Input{Paths: []string{path}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "photo.jpg")
	assert.Len(t, result.Failed(), 1)
}

func TestUpload_Verify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "large.bin")
	data := testContent(3000, 67)
	require.NoError(t, os.WriteFile(path, data, 0600))

	tests := []struct {
		name    string
		served  []byte
		wantErr bool
	}{
		{name: "matching download", served: data},
		{name: "corrupted download", served: append([]byte("x"), data[1:]...), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer secret" || !strings.HasPrefix(r.URL.Path, "/api/files/download/") {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				http.ServeContent(w, r, "large.bin", time.Time{}, bytes.NewReader(tt.served))
			}))
			defer server.Close()

			u := newTestUploader(map[string]string{}, newFakeBackend())
			result, err := u.Upload(context.Background(), Input{
				Paths:       []string{path},
				Verify:      true,
				APIBaseURL:  server.URL,
				AccessToken: "secret",
				ChunkSize:   1024,
			})

			require.True(t, result.Succeeded())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var mismatch *network.DigestMismatchError
			assert.True(t, errors.As(err, &mismatch))
		})
	}
}
