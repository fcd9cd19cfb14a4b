package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/drivekit/go-uploader/upload/chunk"
)

type eventTracker interface {
	Enqueue(eventName string, properties ...analytics.Properties)
	Wait()
}

type noopTracker struct{}

func (noopTracker) Enqueue(string, ...analytics.Properties) {}
func (noopTracker) Wait()                                   {}

type uploadTracker struct {
	tracker eventTracker
	logger  log.Logger
}

func newUploadTracker(envRepo env.Repository, logger log.Logger) uploadTracker {
	if envRepo.Get("DRIVE_TRACKING") != "true" {
		return uploadTracker{tracker: noopTracker{}, logger: logger}
	}

	p := analytics.Properties{
		"client":     "drive-upload",
		"api_url":    envRepo.Get("DRIVE_API_URL"),
		"has_bucket": envRepo.Get("DRIVE_S3_BUCKET") != "",
	}
	return uploadTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t uploadTracker) logTaskCompleted(task Task, stats *chunk.Stats) {
	properties := analytics.Properties{
		"upload_time_s":     task.Duration().Truncate(time.Second).Seconds(),
		"upload_size_bytes": task.Size,
		"strategy":          task.Strategy.String(),
	}
	if stats != nil {
		properties["chunks_sent"] = stats.FinishedCount()
		properties["chunks_skipped"] = stats.SkippedCount()
		properties["throughput_bytes_per_s"] = stats.Throughput()
	}
	t.tracker.Enqueue("drive_upload_task_completed", properties)
}

func (t uploadTracker) logTaskFailed(task Task) {
	properties := analytics.Properties{
		"upload_size_bytes": task.Size,
		"strategy":          task.Strategy.String(),
		"error_kind":        errorKind(task.Err),
	}
	t.tracker.Enqueue("drive_upload_task_failed", properties)
}

func (t uploadTracker) logChunksSkipped(task Task, skipped, total int) {
	properties := analytics.Properties{
		"upload_size_bytes": task.Size,
		"skipped_chunks":    skipped,
		"total_chunks":      total,
	}
	t.tracker.Enqueue("drive_upload_chunks_skipped", properties)
}

func (t uploadTracker) logBatchFinished(result BatchResult, duration time.Duration) {
	properties := analytics.Properties{
		"task_count":      len(result.Tasks),
		"failed_count":    len(result.Failed()),
		"unauthorized":    result.Unauthorized,
		"batch_time_s":    duration.Truncate(time.Second).Seconds(),
		"batch_succeeded": result.Succeeded(),
	}
	t.tracker.Enqueue("drive_upload_batch_finished", properties)
}

func (t uploadTracker) wait() {
	t.tracker.Wait()
}
