package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"videogen-queue/internal/events"
	"videogen-queue/internal/models"
	"videogen-queue/internal/queue"
	"videogen-queue/internal/store"
	"videogen-queue/internal/telemetry"
)

// ProcessingReporter tells whether the worker is mid-generation.
type ProcessingReporter interface {
	Processing() bool
}

// Service is the only entry point the transport layer uses.
type Service struct {
	registry *store.Registry
	queue    queue.WorkQueue
	worker   ProcessingReporter
	notifier events.Notifier
	ckptDir  string
	logger   zerolog.Logger
	now      func() time.Time

	// submitMu keeps registry order and queue order identical.
	submitMu sync.Mutex
}

// Options configures a Service.
type Options struct {
	Notifier events.Notifier
	// CkptDir is the default checkpoint directory for requests that omit one.
	CkptDir string
	Logger  zerolog.Logger
}

func New(reg *store.Registry, q queue.WorkQueue, worker ProcessingReporter, opts Options) *Service {
	s := &Service{
		registry: reg,
		queue:    q,
		worker:   worker,
		notifier: opts.Notifier,
		ckptDir:  opts.CkptDir,
		logger:   opts.Logger.With().Str("component", "service").Logger(),
		now:      time.Now,
	}
	if s.notifier == nil {
		s.notifier = events.Nop{}
	}
	return s
}

// DefaultParams returns the parameters a request starts from before its own overrides.
func (s *Service) DefaultParams() models.Params {
	return models.DefaultParams(s.ckptDir)
}

// Submit validates the request, registers the job and only then queues it.
func (s *Service) Submit(ctx context.Context, prompt string, params models.Params) (models.Job, error) {
	if strings.TrimSpace(prompt) == "" {
		return models.Job{}, &ValidationError{Field: "prompt", Message: "Missing required field: prompt"}
	}
	if err := params.Validate(); err != nil {
		return models.Job{}, &ValidationError{Field: "params", Message: err.Error()}
	}

	job, err := s.enqueue(ctx, prompt, params)
	if err != nil {
		return models.Job{}, err
	}

	telemetry.JobsSubmitted.Inc()
	if n, err := s.queue.Len(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(n))
	}
	if err := s.notifier.Notify(ctx, models.JobEvent{
		JobID: job.ID, Type: models.EventQueued, Status: models.StatusQueued, Detail: prompt, At: job.CreatedAt,
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("notify queued")
	}
	s.logger.Info().Str("job_id", job.ID).Int("queue_position", derefInt(job.QueuePosition)).Msg("job queued")
	return job, nil
}

// enqueue registers the job and pushes its id as one step, so concurrent
// submissions reach the queue in the order they were created.
func (s *Service) enqueue(ctx context.Context, prompt string, params models.Params) (models.Job, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	// The record must exist before its id is visible to the worker.
	job, err := s.registry.Create(prompt, params)
	if err != nil {
		return models.Job{}, fmt.Errorf("register job: %w", err)
	}
	if err := s.queue.Push(ctx, job.ID); err != nil {
		if dErr := s.registry.Discard(job.ID); dErr != nil {
			s.logger.Error().Err(dErr).Str("job_id", job.ID).Msg("discard unqueued job")
		}
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// GetStatus returns a snapshot of one job.
func (s *Service) GetStatus(id string) (models.Job, error) {
	return s.registry.Get(id)
}

// ListJobs returns snapshots of every job in submission order.
func (s *Service) ListJobs() []models.Job {
	return s.registry.List()
}

// Artifact is an open video file. Callers must Close it.
type Artifact struct {
	*os.File
	Name    string
	Size    int64
	ModTime time.Time
}

// FetchArtifact opens the video of a completed job.
func (s *Service) FetchArtifact(id string) (*Artifact, error) {
	job, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusCompleted {
		return nil, &NotReadyError{Status: job.Status}
	}
	if job.OutputPath == nil || *job.OutputPath == "" {
		return nil, ErrArtifactMissing
	}

	f, err := os.Open(*job.OutputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrArtifactMissing
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, ErrArtifactMissing
	}
	return &Artifact{File: f, Name: filepath.Base(*job.OutputPath), Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Health is the liveness report behind /health.
type Health struct {
	Status     string                `json:"status"`
	Timestamp  time.Time             `json:"timestamp"`
	QueueSize  int64                 `json:"queue_size"`
	Processing bool                  `json:"processing"`
	Jobs       map[models.Status]int `json:"jobs"`
}

// Health reports queue size and whether a generation is running.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:    "ok",
		Timestamp: s.now(),
		Jobs:      s.registry.Counts(),
	}
	if s.worker != nil {
		h.Processing = s.worker.Processing()
	}
	n, err := s.queue.Len(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("queue length")
		h.Status = "degraded"
	}
	h.QueueSize = n
	return h
}

func derefInt(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
