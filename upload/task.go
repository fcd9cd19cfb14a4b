package upload

import (
	"fmt"
	"time"

	"github.com/drivekit/go-uploader/upload/network"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusUploading, StatusError},
	StatusUploading: {StatusUploading, StatusRetrying, StatusCompleted, StatusError},
	StatusRetrying:  {StatusRetrying, StatusUploading, StatusError},
}

func (s Status) canTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Task is the per-file upload state.
// Tasks are values: the registry hands out copies and stores whole replacements.
type Task struct {
	ID       string
	Name     string
	Path     string
	Size     int64
	Strategy Strategy
	Status   Status
	// Progress is a percentage between 0 and 100.
	Progress int
	// Retries counts the requests of the task that had to be repeated.
	Retries int
	Digest   string
	Record   *network.FileRecord
	Err      error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the time the task spent uploading, or 0 if it has not finished.
func (t Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

func validateTransition(current, next Task) error {
	sameActiveState := current.Status == next.Status && !current.Status.IsTerminal()
	if !sameActiveState && !current.Status.canTransitionTo(next.Status) {
		return fmt.Errorf("task %s: invalid transition from %s to %s", current.Name, current.Status, next.Status)
	}
	if next.Progress < current.Progress {
		return fmt.Errorf("task %s: progress cannot decrease from %d to %d", current.Name, current.Progress, next.Progress)
	}
	return nil
}
