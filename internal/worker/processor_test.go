package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/mock/gomock"

	"videogen-queue/internal/events"
	"videogen-queue/internal/models"
	"videogen-queue/internal/queue"
	"videogen-queue/internal/store"
)

func writeOutput(_ context.Context, req GenerationRequest) error {
	return os.WriteFile(req.OutputPath, []byte("mp4:"+req.Prompt), 0o644)
}

type harness struct {
	registry  *store.Registry
	queue     *queue.MemoryQueue
	processor *Processor
	cancel    context.CancelFunc
	done      chan error
}

func startHarness(t *testing.T, gen Generator, opts Options) *harness {
	t.Helper()
	h := &harness{
		registry: store.NewRegistry(),
		queue:    queue.NewMemoryQueue(),
		done:     make(chan error, 1),
	}
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	opts.Logger = zerolog.Nop()
	h.processor = NewProcessor(h.registry, h.queue, gen, opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.processor.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Errorf("processor did not stop")
		}
	})
	return h
}

func (h *harness) submit(t *testing.T, prompt string) string {
	t.Helper()
	job, err := h.registry.Create(prompt, models.DefaultParams(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.queue.Push(context.Background(), job.ID); err != nil {
		t.Fatalf("push: %v", err)
	}
	return job.ID
}

func waitForStatus(t *testing.T, r *store.Registry, id string, want models.Status) models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := r.Get(id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := r.Get(id)
	t.Fatalf("job %s never reached %s, last seen %+v", id, want, job)
	return models.Job{}
}

func TestProcessorCompletesJob(t *testing.T) {
	h := startHarness(t, GeneratorFunc(writeOutput), Options{})
	id := h.submit(t, "cat")

	job := waitForStatus(t, h.registry, id, models.StatusCompleted)
	if job.OutputPath == nil || job.Error != nil || job.QueuePosition != nil {
		t.Fatalf("unexpected completed job: %+v", job)
	}
	if job.StartedAt == nil || job.CompletedAt == nil || job.CompletedAt.Before(*job.StartedAt) {
		t.Fatalf("bad timestamps: started=%v completed=%v", job.StartedAt, job.CompletedAt)
	}
	if !strings.HasPrefix(filepath.Base(*job.OutputPath), id+"_") {
		t.Fatalf("output path not derived from job id: %s", *job.OutputPath)
	}
	data, err := os.ReadFile(*job.OutputPath)
	if err != nil || string(data) != "mp4:cat" {
		t.Fatalf("unexpected artifact %q err=%v", data, err)
	}
	if h.processor.Processing() {
		t.Fatal("processing flag left set")
	}
}

func TestProcessorRecordsGeneratorError(t *testing.T) {
	ctrl := gomock.NewController(t)
	gen := NewMockGenerator(ctrl)
	gen.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		Return(errors.New("generate.py failed with error: CUDA out of memory"))

	h := startHarness(t, gen, Options{})
	id := h.submit(t, "dog")

	job := waitForStatus(t, h.registry, id, models.StatusFailed)
	if job.Error == nil || !strings.Contains(*job.Error, "CUDA out of memory") {
		t.Fatalf("error not captured: %+v", job)
	}
	if job.OutputPath != nil {
		t.Fatalf("failed job must not have an output path: %s", *job.OutputPath)
	}
}

func TestProcessorFailsWhenOutputMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	gen := NewMockGenerator(ctrl)
	gen.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(nil)

	h := startHarness(t, gen, Options{})
	id := h.submit(t, "ghost video")

	job := waitForStatus(t, h.registry, id, models.StatusFailed)
	if job.Error == nil || !strings.Contains(*job.Error, "not found after generation") {
		t.Fatalf("expected missing output error, got %+v", job)
	}
}

func TestProcessorRecoversGeneratorPanic(t *testing.T) {
	calls := atomic.Int32{}
	gen := GeneratorFunc(func(ctx context.Context, req GenerationRequest) error {
		if calls.Add(1) == 1 {
			panic("segfault in extension")
		}
		return writeOutput(ctx, req)
	})
	h := startHarness(t, gen, Options{})
	first := h.submit(t, "boom")
	second := h.submit(t, "fine")

	job := waitForStatus(t, h.registry, first, models.StatusFailed)
	if !strings.Contains(*job.Error, "segfault in extension") {
		t.Fatalf("panic cause not recorded: %s", *job.Error)
	}
	waitForStatus(t, h.registry, second, models.StatusCompleted)
}

func TestProcessorSkipsUnknownIDs(t *testing.T) {
	h := startHarness(t, GeneratorFunc(writeOutput), Options{})
	_ = h.queue.Push(context.Background(), "not-in-registry")
	id := h.submit(t, "real")

	waitForStatus(t, h.registry, id, models.StatusCompleted)
	if _, err := h.registry.Get("not-in-registry"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("skip path must not create records, got %v", err)
	}
}

func TestProcessorRunsOneJobAtATimeInOrder(t *testing.T) {
	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		mu       sync.Mutex
		order    []string
	)
	gen := GeneratorFunc(func(ctx context.Context, req GenerationRequest) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		mu.Lock()
		order = append(order, req.JobID)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return writeOutput(ctx, req)
	})

	h := startHarness(t, gen, Options{})
	var ids []string
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, h.submit(t, p))
	}

	stop := make(chan struct{})
	var pollErr atomic.Value
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := h.registry.Counts()[models.StatusProcessing]; n > 1 {
				pollErr.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	waitForStatus(t, h.registry, ids[len(ids)-1], models.StatusCompleted)
	close(stop)

	if v := pollErr.Load(); v != nil {
		t.Fatalf("observed %v jobs processing at once", v)
	}
	if maxSeen.Load() != 1 {
		t.Fatalf("generator ran %d jobs concurrently", maxSeen.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("jobs started out of order: %v vs %v", order, ids)
		}
	}
}

func TestProcessorProcessingFlag(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, req GenerationRequest) error {
		close(started)
		<-release
		return writeOutput(ctx, req)
	})
	h := startHarness(t, gen, Options{})
	id := h.submit(t, "slow")

	<-started
	if !h.processor.Processing() {
		t.Fatal("expected processing flag during generation")
	}
	job, _ := h.registry.Get(id)
	if job.Status != models.StatusProcessing || job.QueuePosition != nil {
		t.Fatalf("unexpected in-flight snapshot: %+v", job)
	}
	close(release)
	waitForStatus(t, h.registry, id, models.StatusCompleted)
	if h.processor.Processing() {
		t.Fatal("processing flag not cleared")
	}
}

type flakyQueue struct {
	queue.WorkQueue
	failures atomic.Int32
}

func (q *flakyQueue) Pop(ctx context.Context) (string, error) {
	if q.failures.Add(-1) >= 0 {
		return "", errors.New("connection reset")
	}
	return q.WorkQueue.Pop(ctx)
}

func TestProcessorSurvivesLoopErrors(t *testing.T) {
	reg := store.NewRegistry()
	q := &flakyQueue{WorkQueue: queue.NewMemoryQueue()}
	q.failures.Store(3)
	p := NewProcessor(reg, q, GeneratorFunc(writeOutput), Options{
		OutputDir:  t.TempDir(),
		RetryDelay: 5 * time.Millisecond,
		Logger:     zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	job, _ := reg.Create("after errors", models.DefaultParams(""))
	_ = q.Push(ctx, job.ID)
	waitForStatus(t, reg, job.ID, models.StatusCompleted)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type fakePublisher struct {
	url string
	err error
}

func (f fakePublisher) Publish(context.Context, string, string) (string, error) { return f.url, f.err }

func TestProcessorMirrorsArtifact(t *testing.T) {
	h := startHarness(t, GeneratorFunc(writeOutput), Options{Publisher: fakePublisher{url: "s3://bucket/videos/x.mp4"}})
	id := h.submit(t, "mirrored")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := h.registry.Get(id)
		if job.ArtifactURL == "s3://bucket/videos/x.mp4" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("artifact url never recorded")
}

func TestProcessorIgnoresPublisherFailure(t *testing.T) {
	h := startHarness(t, GeneratorFunc(writeOutput), Options{Publisher: fakePublisher{err: errors.New("access denied")}})
	id := h.submit(t, "unmirrored")
	job := waitForStatus(t, h.registry, id, models.StatusCompleted)
	if job.ArtifactURL != "" || job.Error != nil {
		t.Fatalf("publisher failure leaked into job: %+v", job)
	}
}

func TestProcessorFailsJobWhenNotifierPanics(t *testing.T) {
	notifier := events.NotifierFunc(func(_ context.Context, ev models.JobEvent) error {
		if ev.Type == models.EventProcessing {
			panic("sink exploded")
		}
		return nil
	})
	h := startHarness(t, GeneratorFunc(writeOutput), Options{Notifier: notifier})
	first := h.submit(t, "one")
	second := h.submit(t, "two")

	job := waitForStatus(t, h.registry, first, models.StatusFailed)
	if job.Error == nil || !strings.Contains(*job.Error, "sink exploded") {
		t.Fatalf("panic cause not recorded: %+v", job)
	}
	waitForStatus(t, h.registry, second, models.StatusFailed)
	if h.processor.Processing() {
		t.Fatal("processing flag left set after panic")
	}
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(context.Context, string, string) (string, error) {
	panic("bucket client nil")
}

func TestProcessorKeepsCompletedJobWhenPublisherPanics(t *testing.T) {
	h := startHarness(t, GeneratorFunc(writeOutput), Options{Publisher: panickingPublisher{}})
	first := h.submit(t, "published")
	second := h.submit(t, "next")

	waitForStatus(t, h.registry, second, models.StatusCompleted)
	job, _ := h.registry.Get(first)
	if job.Status != models.StatusCompleted || job.Error != nil {
		t.Fatalf("completed job changed by publisher panic: %+v", job)
	}
}

func TestProcessorNotifiesLifecycle(t *testing.T) {
	var mu sync.Mutex
	var got []string
	notifier := events.NotifierFunc(func(_ context.Context, ev models.JobEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
		return errors.New("sink offline")
	})
	h := startHarness(t, GeneratorFunc(writeOutput), Options{Notifier: notifier})
	id := h.submit(t, "events")
	waitForStatus(t, h.registry, id, models.StatusCompleted)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != models.EventProcessing || got[1] != models.EventCompleted {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestOutputPath(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	got := OutputPath("outputs", "abc", ts)
	if got != filepath.Join("outputs", "abc_20250304_050607.mp4") {
		t.Fatalf("unexpected output path %s", got)
	}
}
