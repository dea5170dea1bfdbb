package models

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates the lifecycle states of a generation job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned when a job is moved out of a state that does not allow it.
var ErrInvalidTransition = errors.New("invalid status transition")

// Job is the state of one generation request, tracked end-to-end by ID.
type Job struct {
	ID            string     `json:"job_id"`
	Prompt        string     `json:"prompt"`
	Params        Params     `json:"params"`
	Status        Status     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	OutputPath    *string    `json:"output_path"`
	Error         *string    `json:"error"`
	ArtifactURL   string     `json:"artifact_url,omitempty"`
}

// NewJob builds a freshly queued job.
func NewJob(id, prompt string, params Params, now time.Time) *Job {
	return &Job{
		ID:        id,
		Prompt:    prompt,
		Params:    params,
		Status:    StatusQueued,
		CreatedAt: now,
	}
}

// Start moves a queued job to processing.
func (j *Job) Start(now time.Time) error {
	if j.Status != StatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusProcessing)
	}
	j.Status = StatusProcessing
	j.StartedAt = &now
	j.QueuePosition = nil
	return nil
}

// Complete records a successful generation and where the video was written.
func (j *Job) Complete(now time.Time, outputPath string) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.OutputPath = &outputPath
	return nil
}

// Fail records a failed generation with a human readable cause.
func (j *Job) Fail(now time.Time, message string) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusFailed)
	}
	j.Status = StatusFailed
	j.CompletedAt = &now
	j.Error = &message
	return nil
}

// Clone returns a deep copy that shares no pointers with j.
func (j *Job) Clone() Job {
	out := *j
	out.QueuePosition = clonePtr(j.QueuePosition)
	out.StartedAt = clonePtr(j.StartedAt)
	out.CompletedAt = clonePtr(j.CompletedAt)
	out.OutputPath = clonePtr(j.OutputPath)
	out.Error = clonePtr(j.Error)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Event types published after each transition.
const (
	EventQueued     = "job.queued"
	EventProcessing = "job.processing"
	EventCompleted  = "job.completed"
	EventFailed     = "job.failed"
)

// JobEvent is a lifecycle notification for a single job.
type JobEvent struct {
	JobID  string    `json:"job_id"`
	Type   string    `json:"type"`
	Status Status    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
