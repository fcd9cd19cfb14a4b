package upload

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drivekit/go-uploader/upload/digest"
	"github.com/drivekit/go-uploader/upload/network"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// fakeBackend is an in-memory drive that stages chunks per file digest, like the real service.
type fakeBackend struct {
	mu      sync.Mutex
	staged  map[string]map[int][]byte
	stored  map[string]*network.FileRecord
	content map[string][]byte
	nextID  int

	// hooks run before the fake handles a request; a non-nil error is returned as is
	onDirect func(ctx context.Context, params network.DirectUploadParams) error
	onResume func(ctx context.Context, params network.ResumeParams) error
	onChunk  func(ctx context.Context, params network.ChunkParams) error
	onMerge  func(ctx context.Context, params network.MergeParams) error

	directCalls map[string]int
	chunkCalls  map[string][]int
	mergeCalls  map[string]int
	resumeCalls map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		staged:      map[string]map[int][]byte{},
		stored:      map[string]*network.FileRecord{},
		content:     map[string][]byte{},
		directCalls: map[string]int{},
		chunkCalls:  map[string][]int{},
		mergeCalls:  map[string]int{},
		resumeCalls: map[string]int{},
	}
}

// stage pretends that an earlier session already uploaded the given chunk.
func (f *fakeBackend) stage(fileHash string, index int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staged[fileHash] == nil {
		f.staged[fileHash] = map[int][]byte{}
	}
	f.staged[fileHash][index] = data
}

func (f *fakeBackend) sentChunks(fileName string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.chunkCalls[fileName]...)
}

func (f *fakeBackend) requestCount(fileName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.directCalls[fileName] + len(f.chunkCalls[fileName]) + f.mergeCalls[fileName]
}

func (f *fakeBackend) DirectUpload(ctx context.Context, params network.DirectUploadParams, progress network.ProgressFunc) (*network.FileRecord, error) {
	f.mu.Lock()
	f.directCalls[params.FileName]++
	f.mu.Unlock()

	if f.onDirect != nil {
		if err := f.onDirect(ctx, params); err != nil {
			return nil, err
		}
	}
	reportProgress(progress, len(params.Data))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[params.FileHash] = params.Data
	return f.record(params.FileName, params.FileHash, int64(len(params.Data))), nil
}

func (f *fakeBackend) UploadedChunks(ctx context.Context, params network.ResumeParams) ([]int, error) {
	f.mu.Lock()
	f.resumeCalls[params.FileHash]++
	f.mu.Unlock()

	if f.onResume != nil {
		if err := f.onResume(ctx, params); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var indices []int
	for index := range f.staged[params.FileHash] {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

func (f *fakeBackend) UploadChunk(ctx context.Context, params network.ChunkParams, progress network.ProgressFunc) error {
	f.mu.Lock()
	f.chunkCalls[params.FileName] = append(f.chunkCalls[params.FileName], params.ChunkIndex)
	f.mu.Unlock()

	if f.onChunk != nil {
		if err := f.onChunk(ctx, params); err != nil {
			return err
		}
	}
	if digest.Bytes(params.Data) != params.ChunkHash {
		return &network.DigestMismatchError{Op: "upload chunk", Index: params.ChunkIndex, Message: "chunk digest does not match"}
	}
	reportProgress(progress, len(params.Data))

	f.stage(params.FileHash, params.ChunkIndex, params.Data)
	return nil
}

func (f *fakeBackend) Merge(ctx context.Context, params network.MergeParams) (*network.FileRecord, error) {
	f.mu.Lock()
	f.mergeCalls[params.FileName]++
	f.mu.Unlock()

	record, err := f.merge(params)
	if err != nil {
		return nil, err
	}
	if f.onMerge != nil {
		if err := f.onMerge(ctx, params); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func (f *fakeBackend) merge(params network.MergeParams) (*network.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if record, ok := f.stored[params.FileHash]; ok {
		return record, nil
	}

	var content bytes.Buffer
	for i := 0; i < params.TotalChunks; i++ {
		data, ok := f.staged[params.FileHash][i]
		if !ok {
			return nil, &network.ServerAssemblyError{StatusCode: 400, Message: fmt.Sprintf("chunk %d is missing", i)}
		}
		content.Write(data)
	}
	if digest.Bytes(content.Bytes()) != params.FileHash {
		return nil, &network.DigestMismatchError{Op: "merge chunks", Index: -1, Message: "file digest does not match"}
	}

	delete(f.staged, params.FileHash)
	f.content[params.FileHash] = content.Bytes()
	return f.record(params.FileName, params.FileHash, int64(content.Len())), nil
}

func (f *fakeBackend) record(fileName, fileHash string, size int64) *network.FileRecord {
	if record, ok := f.stored[fileHash]; ok {
		return record
	}
	f.nextID++
	record := &network.FileRecord{
		ID:          fmt.Sprintf("%d", f.nextID),
		FileName:    fileName,
		FileSize:    size,
		DownloadURL: fmt.Sprintf("/api/files/download/%d", f.nextID),
	}
	f.stored[fileHash] = record
	return record
}

func reportProgress(progress network.ProgressFunc, size int) {
	if progress == nil {
		return
	}
	total := int64(size) + 200 // multipart overhead
	progress(total/2, total)
	progress(total, total)
}

// progressRecorder is an Observer that keeps the history of every task.
type progressRecorder struct {
	mu      sync.Mutex
	history map[string][]Task
}

func newProgressRecorder() *progressRecorder {
	return &progressRecorder{history: map[string][]Task{}}
}

func (r *progressRecorder) observe(task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[task.Name] = append(r.history[task.Name], task)
}

func (r *progressRecorder) tasks(name string) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.history[name]...)
}

func (r *progressRecorder) statuses(name string) []Status {
	var statuses []Status
	for _, task := range r.tasks(name) {
		if len(statuses) == 0 || statuses[len(statuses)-1] != task.Status {
			statuses = append(statuses, task.Status)
		}
	}
	return statuses
}
