package upload

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-units"

	"github.com/drivekit/go-uploader/upload/chunk"
	"github.com/drivekit/go-uploader/upload/digest"
	"github.com/drivekit/go-uploader/upload/network"
)

// taskRunner drives a single file from uploading to a terminal result.
type taskRunner struct {
	id          string
	name        string
	strategy    Strategy
	provider    chunk.Provider
	backend     network.Backend
	config      Config
	description string
	registry    *Registry
	tracker     uploadTracker
	logger      log.Logger
	stats       *chunk.Stats

	lastProgress int32
}

type preparedChunk struct {
	descriptor chunk.Descriptor
	data       []byte
	err        error
}

// run uploads the file and returns the stored record with the final progress value.
func (r *taskRunner) run(ctx context.Context) (*network.FileRecord, int, error) {
	progress := NewDirectProgress()
	upload := r.uploadDirect
	if r.strategy == StrategyChunked {
		progress = NewChunkedProgress(r.provider.Plan().NumChunks)
		upload = r.uploadChunked
	}

	record, err := upload(ctx, progress)
	if err != nil {
		return nil, progress.Value(), err
	}
	return record, progress.Complete(), nil
}

func (r *taskRunner) uploadDirect(ctx context.Context, progress *ProgressAggregator) (*network.FileRecord, error) {
	data, err := io.ReadAll(r.provider.Reader())
	if err != nil {
		return nil, &network.TransportError{Op: "read file", Err: err}
	}
	fileDigest := digest.Bytes(data)
	r.update(func(t Task) Task {
		t.Digest = fileDigest
		return t
	})

	r.logger.Debugf("%s: uploading %s in a single request", r.name, units.HumanSizeWithPrecision(float64(len(data)), 3))

	start := time.Now()
	var record *network.FileRecord
	err = r.withRetry(ctx, "upload file", func(ctx context.Context) error {
		var err error
		record, err = r.backend.DirectUpload(ctx, network.DirectUploadParams{
			FileName:    r.name,
			FileHash:    fileDigest,
			Data:        data,
			Description: r.description,
		}, r.progressFunc(progress))
		return err
	})
	if err != nil {
		return nil, err
	}
	r.stats.Update(time.Since(start), int64(len(data)))

	return record, nil
}

func (r *taskRunner) uploadChunked(ctx context.Context, progress *ProgressAggregator) (*network.FileRecord, error) {
	plan := r.provider.Plan()

	fileDigest, err := digest.Reader(ctx, r.provider.Reader())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &network.TransportError{Op: "hash", Err: err}
	}
	r.update(func(t Task) Task {
		t.Digest = fileDigest
		return t
	})
	r.logger.Debugf("%s: digest %s, %d chunks of %s", r.name, fileDigest, plan.NumChunks,
		units.HumanSizeWithPrecision(float64(plan.ChunkSize), 3))

	uploaded, err := r.uploadedChunks(ctx, fileDigest, plan)
	if err != nil {
		return nil, err
	}
	if len(uploaded) > 0 {
		r.logger.Infof("%s: resuming, %d of %d chunks are already uploaded", r.name, len(uploaded), plan.NumChunks)
		task, _ := r.registry.Get(r.id)
		r.tracker.logChunksSkipped(task, len(uploaded), plan.NumChunks)
	}

	pipelineCtx, cancelPipeline := context.WithCancel(ctx)
	prepared, waitPipeline := r.prepareChunks(pipelineCtx, plan, uploaded)
	defer func() {
		cancelPipeline()
		waitPipeline()
	}()

	for index := 0; index < plan.NumChunks; index++ {
		if uploaded[index] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r.stats.Skip()
			r.setProgress(progress.ChunkDone())
			continue
		}

		var next preparedChunk
		var ok bool
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case next, ok = <-prepared:
		}
		if !ok {
			return nil, fmt.Errorf("chunk %d was not prepared", index)
		}
		if next.err != nil {
			return nil, next.err
		}

		if err := r.sendChunk(ctx, plan, fileDigest, next, progress); err != nil {
			return nil, err
		}
		r.setProgress(progress.ChunkDone())
	}

	// backoff runs the first attempt without looking at the context
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record *network.FileRecord
	err = r.withRetry(ctx, "merge chunks", func(ctx context.Context) error {
		var err error
		record, err = r.backend.Merge(ctx, network.MergeParams{
			FileName:    r.name,
			FileHash:    fileDigest,
			TotalChunks: plan.NumChunks,
			Description: r.description,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// uploadedChunks asks the backend which chunks it already stores.
// Any failure other than an authorization error degrades to "nothing stored".
func (r *taskRunner) uploadedChunks(ctx context.Context, fileDigest string, plan chunk.Plan) (map[int]bool, error) {
	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()

	indices, err := r.backend.UploadedChunks(reqCtx, network.ResumeParams{
		FileHash:    fileDigest,
		FileSize:    plan.Size,
		TotalChunks: plan.NumChunks,
	})
	if err != nil {
		if network.IsUnauthorized(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warnf("%s: failed to check uploaded chunks, uploading all of them: %s", r.name, err)
		return map[int]bool{}, nil
	}

	uploaded := make(map[int]bool, len(indices))
	for _, index := range indices {
		if index >= 0 && index < plan.NumChunks {
			uploaded[index] = true
		}
	}
	return uploaded, nil
}

// prepareChunks reads and hashes the chunks that still have to be sent, in index order.
// At most PipelineDepth chunks are prepared ahead of the one being transmitted.
func (r *taskRunner) prepareChunks(ctx context.Context, plan chunk.Plan, skip map[int]bool) (<-chan preparedChunk, func()) {
	out := make(chan preparedChunk, r.config.PipelineDepth-1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)

		for index := 0; index < plan.NumChunks; index++ {
			if skip[index] {
				continue
			}
			if ctx.Err() != nil {
				return
			}

			next := r.prepareChunk(plan, index)
			select {
			case out <- next:
			case <-ctx.Done():
				return
			}
			if next.err != nil {
				return
			}
		}
	}()

	return out, func() { <-done }
}

func (r *taskRunner) prepareChunk(plan chunk.Plan, index int) preparedChunk {
	descriptor, err := plan.Descriptor(index)
	if err != nil {
		return preparedChunk{err: err}
	}

	data, err := r.provider.ReadChunk(index)
	if err != nil {
		return preparedChunk{err: &network.TransportError{Op: "hash", Err: err}}
	}
	descriptor.Digest = digest.Bytes(data)

	return preparedChunk{descriptor: descriptor, data: data}
}

func (r *taskRunner) sendChunk(ctx context.Context, plan chunk.Plan, fileDigest string, c preparedChunk, progress *ProgressAggregator) error {
	d := c.descriptor
	r.logger.Debugf("%s: uploading chunk %d/%d [finished=%d] [avg=%v]",
		r.name, d.Index+1, plan.NumChunks, r.stats.FinishedCount(), r.stats.Average().Round(time.Millisecond))

	start := time.Now()
	err := r.withRetry(ctx, fmt.Sprintf("upload chunk %d/%d", d.Index+1, plan.NumChunks), func(ctx context.Context) error {
		return r.backend.UploadChunk(ctx, network.ChunkParams{
			FileName:    r.name,
			FileHash:    fileDigest,
			ChunkHash:   d.Digest,
			ChunkIndex:  d.Index,
			TotalChunks: plan.NumChunks,
			Data:        c.data,
		}, r.progressFunc(progress))
	})
	if err != nil {
		return err
	}

	r.stats.Update(time.Since(start), d.Length)
	return nil
}

// withRetry runs fn until it succeeds, fails with a non transport error or runs out of attempts.
// The task is in the retrying state while waiting for the next attempt.
func (r *taskRunner) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.config.RetryInitialInterval
	policy.MaxInterval = r.config.RetryMaxInterval
	policy.MaxElapsedTime = 0
	policy.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.config.MaxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			r.setStatus(StatusUploading)
		}

		reqCtx, cancel := r.requestContext(ctx)
		defer cancel()

		err := fn(reqCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !network.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warnf("%s: %s failed (attempt %d/%d), retrying in %s: %s",
			r.name, op, attempt, r.config.MaxAttempts, wait.Round(time.Millisecond), err)
		r.setStatus(StatusRetrying)
	}

	return backoff.RetryNotify(operation, b, notify)
}

func (r *taskRunner) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, r.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *taskRunner) progressFunc(progress *ProgressAggregator) network.ProgressFunc {
	return func(sent, total int64) {
		r.setProgress(progress.InFlight(sent, total))
	}
}

func (r *taskRunner) setProgress(value int) {
	for {
		last := atomic.LoadInt32(&r.lastProgress)
		if int32(value) <= last {
			return
		}
		if atomic.CompareAndSwapInt32(&r.lastProgress, last, int32(value)) {
			break
		}
	}

	r.update(func(t Task) Task {
		if value > t.Progress {
			t.Progress = value
		}
		return t
	})
}

func (r *taskRunner) setStatus(status Status) {
	r.update(func(t Task) Task {
		if status == StatusRetrying && t.Status != StatusRetrying {
			t.Retries++
		}
		t.Status = status
		return t
	})
}

func (r *taskRunner) update(fn func(Task) Task) {
	if _, err := r.registry.Update(r.id, fn); err != nil {
		r.logger.Debugf("%s: failed to update task: %s", r.name, err)
	}
}
