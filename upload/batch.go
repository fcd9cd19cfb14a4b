package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/drivekit/go-uploader/internal"
	"github.com/drivekit/go-uploader/internal/multierror"
	"github.com/drivekit/go-uploader/upload/chunk"
	"github.com/drivekit/go-uploader/upload/network"
)

// openFunc opens the content of a task right before it is uploaded.
type openFunc func() (chunk.Provider, error)

// Batch uploads a set of files concurrently and reports one aggregate result.
// A failing file does not stop its siblings, except for an authorization failure, which ends the whole batch.
type Batch struct {
	backend     network.Backend
	config      Config
	description string
	logger      log.Logger
	osProxy     internal.OsProxy
	tracker     uploadTracker
	registry    *Registry

	mu      sync.Mutex
	sources map[string]openFunc
	started bool
}

// BatchResult is the outcome of Batch.Run.
type BatchResult struct {
	Tasks []Task
	// Unauthorized is set when the session was rejected during the batch.
	Unauthorized bool
}

// Succeeded reports whether every task completed.
func (r BatchResult) Succeeded() bool {
	for _, task := range r.Tasks {
		if task.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Failed returns the tasks that did not complete.
func (r BatchResult) Failed() []Task {
	var failed []Task
	for _, task := range r.Tasks {
		if task.Status != StatusCompleted {
			failed = append(failed, task)
		}
	}
	return failed
}

// Err returns every per-file error of the batch, or nil if the batch succeeded.
func (r BatchResult) Err() error {
	var errs multierror.MultiError
	if r.Unauthorized {
		multierror.AppendErr(&errs, ErrBatchUnauthorized)
	}
	for _, task := range r.Failed() {
		err := task.Err
		if err == nil {
			err = fmt.Errorf("finished in %s state", task.Status)
		}
		multierror.AppendErr(&errs, fmt.Errorf("%s: %w", task.Name, err))
	}
	return errs.ErrorOrNil()
}

// NewBatch ...
func NewBatch(backend network.Backend, config Config, description string, logger log.Logger) (*Batch, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is not set")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Batch{
		backend:     backend,
		config:      config,
		description: description,
		logger:      logger,
		osProxy:     internal.RealOS{},
		tracker:     uploadTracker{tracker: noopTracker{}, logger: logger},
		registry:    NewRegistry(),
		sources:     map[string]openFunc{},
	}, nil
}

// Registry exposes the live task states, for example to render progress.
func (b *Batch) Registry() *Registry {
	return b.registry
}

// Add queues the file at path.
func (b *Batch) Add(path string) (Task, error) {
	info, err := b.osProxy.Stat(path)
	if err != nil {
		return Task{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Task{}, fmt.Errorf("%s is a directory", path)
	}

	open := func() (chunk.Provider, error) {
		file, err := b.osProxy.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		provider, err := chunk.NewFileProvider(file, b.config.ChunkSize)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		return provider, nil
	}

	return b.add(filepath.Base(path), path, info.Size(), open)
}

// AddReader queues size bytes of r under the given file name.
func (b *Batch) AddReader(name string, r io.ReaderAt, size int64) (Task, error) {
	if name == "" {
		return Task{}, fmt.Errorf("file name is empty")
	}

	open := func() (chunk.Provider, error) {
		return chunk.NewReaderAtProvider(r, size, b.config.ChunkSize)
	}

	return b.add(name, "", size, open)
}

// Remove drops a task that has not started yet.
func (b *Batch) Remove(id string) error {
	if err := b.registry.Remove(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sources, id)
	return nil
}

// Run uploads every queued file and waits until all of them reached a terminal state.
// A batch can be run once.
func (b *Batch) Run(ctx context.Context) (BatchResult, error) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return BatchResult{}, ErrBatchStarted
	}
	b.started = true
	b.mu.Unlock()

	startTime := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g := new(errgroup.Group)
	if b.config.MaxConcurrentTasks > 0 {
		g.SetLimit(b.config.MaxConcurrentTasks)
	}

	for _, task := range b.registry.Snapshot() {
		id := task.ID
		g.Go(func() error {
			b.runTask(ctx, cancel, id)
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{
		Tasks:        b.registry.Snapshot(),
		Unauthorized: errors.Is(context.Cause(ctx), ErrBatchUnauthorized),
	}
	b.tracker.logBatchFinished(result, time.Since(startTime))

	return result, nil
}

func (b *Batch) add(name, path string, size int64, open openFunc) (Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return Task{}, ErrBatchStarted
	}

	task := Task{
		ID:       uuid.NewString(),
		Name:     name,
		Path:     path,
		Size:     size,
		Strategy: SelectStrategy(size, b.config.ChunkThreshold),
		Status:   StatusPending,
	}
	if err := b.registry.Add(task); err != nil {
		return Task{}, err
	}
	b.sources[task.ID] = open

	return task, nil
}

func (b *Batch) runTask(ctx context.Context, cancel context.CancelCauseFunc, id string) {
	// A batch that is already cancelled does not touch the network any more.
	if ctx.Err() != nil {
		b.finish(id, nil, 0, context.Cause(ctx))
		return
	}

	task, err := b.registry.Update(id, func(t Task) Task {
		t.Status = StatusUploading
		t.StartedAt = time.Now()
		return t
	})
	if err != nil {
		// removed while waiting for a free slot
		b.logger.Debugf("Skipping task %s: %s", id, err)
		return
	}

	b.mu.Lock()
	open := b.sources[id]
	b.mu.Unlock()

	provider, err := open()
	if err != nil {
		b.finish(id, nil, 0, err)
		return
	}
	defer func() {
		if err := provider.Close(); err != nil {
			b.logger.Warnf("Failed to close %s: %s", task.Name, err)
		}
	}()

	b.logger.Infof("Uploading %s (%s, %s)", task.Name, units.HumanSizeWithPrecision(float64(task.Size), 3), task.Strategy)

	runner := &taskRunner{
		id:          id,
		name:        task.Name,
		strategy:    task.Strategy,
		provider:    provider,
		backend:     b.backend,
		config:      b.config,
		description: b.description,
		registry:    b.registry,
		tracker:     b.tracker,
		logger:      b.logger,
		stats:       chunk.NewStats(),
	}

	record, progress, err := runner.run(ctx)
	if err != nil {
		if network.IsUnauthorized(err) {
			b.logger.Errorf("Session rejected while uploading %s, cancelling the batch", task.Name)
			cancel(ErrBatchUnauthorized)
		} else if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
	}

	finished := b.finish(id, record, progress, err)
	if finished.Status == StatusCompleted {
		b.tracker.logTaskCompleted(finished, runner.stats)
	}
}

// finish moves the task into its terminal state.
func (b *Batch) finish(id string, record *network.FileRecord, progress int, err error) Task {
	task, updateErr := b.registry.Update(id, func(t Task) Task {
		t.FinishedAt = time.Now()
		if err != nil {
			t.Status = StatusError
			t.Err = err
			return t
		}
		t.Status = StatusCompleted
		if progress > t.Progress {
			t.Progress = progress
		}
		t.Record = record
		return t
	})
	if updateErr != nil {
		b.logger.Debugf("Failed to finish task %s: %s", id, updateErr)
		return task
	}

	if err != nil {
		b.logger.Errorf("Failed to upload %s: %s", task.Name, err)
		b.tracker.logTaskFailed(task)
		return task
	}

	b.logger.Donef("Uploaded %s in %s", task.Name, task.Duration().Round(time.Millisecond))
	return task
}
