package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"videogen-queue/internal/events"
	"videogen-queue/internal/models"
	"videogen-queue/internal/queue"
	"videogen-queue/internal/store"
	"videogen-queue/internal/telemetry"
)

// GenerationRequest is everything the generator needs for one job.
type GenerationRequest struct {
	JobID      string
	Prompt     string
	Params     models.Params
	OutputPath string
}

// Generator produces a video at req.OutputPath or returns an error describing why it could not.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) error
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerationRequest) error

func (f GeneratorFunc) Generate(ctx context.Context, req GenerationRequest) error { return f(ctx, req) }

// ArtifactPublisher mirrors a finished video somewhere durable and returns its location.
type ArtifactPublisher interface {
	Publish(ctx context.Context, jobID, path string) (string, error)
}

// Registry is the subset of the job registry the worker mutates.
type Registry interface {
	MarkProcessing(id string) (models.Job, error)
	MarkCompleted(id, outputPath string) error
	MarkFailed(id, message string) error
	SetArtifactURL(id, url string) error
}

// Options tune a Processor. Zero values fall back to defaults.
type Options struct {
	OutputDir  string
	RetryDelay time.Duration
	Notifier   events.Notifier
	Publisher  ArtifactPublisher
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Processor is the single consumer of the work queue. It runs at most one
// generation at a time.
type Processor struct {
	registry   Registry
	queue      queue.WorkQueue
	generator  Generator
	notifier   events.Notifier
	publisher  ArtifactPublisher
	outputDir  string
	retryDelay time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	processing atomic.Bool
}

func NewProcessor(reg Registry, q queue.WorkQueue, gen Generator, opts Options) *Processor {
	p := &Processor{
		registry:   reg,
		queue:      q,
		generator:  gen,
		notifier:   opts.Notifier,
		publisher:  opts.Publisher,
		outputDir:  opts.OutputDir,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger.With().Str("component", "worker").Logger(),
		now:        opts.Now,
	}
	if p.outputDir == "" {
		p.outputDir = "outputs"
	}
	if p.retryDelay <= 0 {
		p.retryDelay = time.Second
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.notifier == nil {
		p.notifier = events.Nop{}
	}
	return p
}

// Processing reports whether a generation is currently in flight.
func (p *Processor) Processing() bool {
	return p.processing.Load()
}

// Run consumes the queue until ctx is cancelled. Errors that are not tied to a
// job are logged and retried after a pause; they never end the loop.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().Str("output_dir", p.outputDir).Msg("worker started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.step(ctx)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		telemetry.WorkerLoopErrors.Inc()
		p.logger.Error().Err(err).Dur("retry_in", p.retryDelay).Msg("worker loop error")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}
}

func (p *Processor) step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	id, err := p.queue.Pop(ctx)
	if err != nil {
		return fmt.Errorf("pop: %w", err)
	}
	p.observeDepth(ctx)
	p.Process(ctx, id)
	return nil
}

// Process runs one job end to end. Generation failures are recorded on the
// job; they are never returned.
func (p *Processor) Process(ctx context.Context, id string) {
	log := p.logger.With().Str("job_id", id).Logger()

	job, err := p.registry.MarkProcessing(id)
	if err != nil {
		telemetry.JobsSkipped.Inc()
		if errors.Is(err, store.ErrNotFound) {
			log.Error().Msg("job not found in registry, discarding queue entry")
			return
		}
		log.Error().Err(err).Msg("cannot start job, discarding queue entry")
		return
	}

	p.setProcessing(true)
	defer p.setProcessing(false)
	defer p.failOnPanic(log, id)

	p.notify(ctx, models.JobEvent{JobID: id, Type: models.EventProcessing, Status: models.StatusProcessing})
	log.Info().Str("prompt", job.Prompt).Msg("processing job")

	start := time.Now()
	outputPath, genErr := p.generate(ctx, job)
	telemetry.GenerationDuration.Observe(time.Since(start).Seconds())

	if genErr != nil {
		p.fail(ctx, log, id, genErr)
		return
	}
	p.complete(ctx, log, id, outputPath)
}

func (p *Processor) generate(ctx context.Context, job models.Job) (string, error) {
	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	outputPath := OutputPath(p.outputDir, job.ID, p.now())

	err := p.callGenerator(ctx, GenerationRequest{
		JobID:      job.ID,
		Prompt:     job.Prompt,
		Params:     job.Params,
		OutputPath: outputPath,
	})
	if err != nil {
		return "", err
	}

	info, err := os.Stat(outputPath)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("output file %s not found after generation", outputPath)
	}
	return outputPath, nil
}

func (p *Processor) callGenerator(ctx context.Context, req GenerationRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return p.generator.Generate(ctx, req)
}

func (p *Processor) complete(ctx context.Context, log zerolog.Logger, id, outputPath string) {
	if err := p.registry.MarkCompleted(id, outputPath); err != nil {
		log.Error().Err(err).Msg("record completion")
		return
	}
	telemetry.JobsCompleted.Inc()
	log.Info().Str("output_path", outputPath).Msg("job completed")
	p.notify(ctx, models.JobEvent{JobID: id, Type: models.EventCompleted, Status: models.StatusCompleted, Detail: outputPath})

	if p.publisher == nil {
		return
	}
	url, err := p.publisher.Publish(ctx, id, outputPath)
	if err != nil {
		log.Warn().Err(err).Msg("mirror artifact")
		return
	}
	if err := p.registry.SetArtifactURL(id, url); err != nil {
		log.Warn().Err(err).Msg("record artifact url")
		return
	}
	log.Info().Str("artifact_url", url).Msg("artifact mirrored")
}

func (p *Processor) fail(ctx context.Context, log zerolog.Logger, id string, cause error) {
	msg := cause.Error()
	if err := p.registry.MarkFailed(id, msg); err != nil {
		log.Error().Err(err).Msg("record failure")
		return
	}
	telemetry.JobsFailed.Inc()
	log.Error().Err(cause).Msg("job failed")
	p.notify(ctx, models.JobEvent{JobID: id, Type: models.EventFailed, Status: models.StatusFailed, Detail: msg})
}

// failOnPanic records a panic outside the generator on the job so it never
// stays PROCESSING. A job that already reached a terminal state is left alone.
func (p *Processor) failOnPanic(log zerolog.Logger, id string) {
	r := recover()
	if r == nil {
		return
	}
	msg := fmt.Sprintf("worker panic: %v", r)
	if err := p.registry.MarkFailed(id, msg); err != nil {
		log.Error().Err(err).Str("panic", fmt.Sprint(r)).Msg("panic after job left processing")
		return
	}
	telemetry.JobsFailed.Inc()
	log.Error().Str("panic", fmt.Sprint(r)).Msg("job failed")
}

func (p *Processor) notify(ctx context.Context, ev models.JobEvent) {
	if ev.At.IsZero() {
		ev.At = p.now()
	}
	if err := p.notifier.Notify(ctx, ev); err != nil {
		p.logger.Warn().Err(err).Str("job_id", ev.JobID).Str("event", ev.Type).Msg("notify")
	}
}

func (p *Processor) setProcessing(v bool) {
	p.processing.Store(v)
	if v {
		telemetry.ProcessingGauge.Set(1)
	} else {
		telemetry.ProcessingGauge.Set(0)
	}
}

func (p *Processor) observeDepth(ctx context.Context) {
	if n, err := p.queue.Len(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(n))
	}
}

// OutputPath is where a job's video is written: <dir>/<id>_<YYYYmmdd_HHMMSS>.mp4.
func OutputPath(dir, jobID string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.mp4", jobID, now.Format("20060102_150405")))
}
