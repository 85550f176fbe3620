package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/broadcast"
	"github.com/clipforge/pipeline/engine"
	"github.com/clipforge/pipeline/job"
	"github.com/clipforge/pipeline/queue"
	"github.com/clipforge/pipeline/scope"
	"github.com/clipforge/pipeline/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()

	store := memory.New()
	c, err := pipeline.New(
		pipeline.WithStore(store),
		pipeline.WithLogger(testLogger()),
		pipeline.WithConcurrency(2),
		pipeline.WithQueueSize(16),
	)
	if err != nil {
		t.Fatalf("pipeline.New error: %v", err)
	}

	eng, err := engine.Build(c, opts...)
	if err != nil {
		t.Fatalf("engine.Build error: %v", err)
	}
	return eng, store
}

func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("engine stop error: %v", err)
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func waitForStatus(t *testing.T, eng *engine.Engine, jobID interface{ String() string }, want job.Status) *job.Record {
	t.Helper()
	var got *job.Record
	waitFor(t, func() bool {
		jobs, err := eng.List(context.Background(), job.ListOpts{})
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if j.ID.String() == jobID.String() && j.Status == want {
				got = j
				return true
			}
		}
		return false
	})
	return got
}

// ──────────────────────────────────────────────────
// Build
// ──────────────────────────────────────────────────

func TestBuild_RequiresStore(t *testing.T) {
	c, err := pipeline.New(pipeline.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("pipeline.New error: %v", err)
	}
	if _, err := engine.Build(c); !errors.Is(err, pipeline.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

type clipInput struct {
	RecordingID string `json:"recording_id"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
}

func TestEnqueue_RunsRegisteredJob(t *testing.T) {
	eng, _ := setupEngine(t)

	def := job.NewDefinition("extract-clip", func(_ context.Context, in clipInput) ([]byte, error) {
		return []byte(in.RecordingID + "/clip.mp4"), nil
	})
	engine.Register(eng, def)
	startEngine(t, eng)

	r, err := engine.Enqueue(context.Background(), eng, "extract-clip", clipInput{RecordingID: "rec-1", Start: 0, End: 30})
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	if r.Status != job.StatusQueued {
		t.Fatalf("expected queued status after enqueue, got %s", r.Status)
	}
	if r.EnqueuedAt == nil {
		t.Fatal("expected EnqueuedAt to be set")
	}

	done := waitForStatus(t, eng, r.ID, job.StatusCompleted)
	if string(done.Result) != "rec-1/clip.mp4" {
		t.Errorf("result = %q, want %q", done.Result, "rec-1/clip.mp4")
	}
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
}

func TestEnqueue_MarshalsPayload(t *testing.T) {
	eng, _ := setupEngine(t)

	r, err := engine.Enqueue(context.Background(), eng, "extract-clip", clipInput{RecordingID: "rec-2"})
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	var in clipInput
	if err := json.Unmarshal(r.Payload, &in); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if in.RecordingID != "rec-2" {
		t.Errorf("payload recording_id = %q, want %q", in.RecordingID, "rec-2")
	}
}

func TestEnqueueRaw_UnregisteredNameUsesConfigDefaults(t *testing.T) {
	eng, _ := setupEngine(t)

	r, err := eng.EnqueueRaw(context.Background(), "not-registered", nil)
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	defaults := pipeline.DefaultConfig()
	if r.MaxAttempts != defaults.DefaultMaxAttempts {
		t.Errorf("max attempts = %d, want %d", r.MaxAttempts, defaults.DefaultMaxAttempts)
	}
	if r.RetryDelay != defaults.DefaultRetryDelay {
		t.Errorf("retry delay = %v, want %v", r.RetryDelay, defaults.DefaultRetryDelay)
	}
}

func TestEnqueueRaw_RegisteredDefaultsApply(t *testing.T) {
	eng, _ := setupEngine(t)
	eng.Registry().RegisterFunc("transcode",
		func(_ context.Context, _ []byte) ([]byte, error) { return nil, nil },
		job.WithMaxAttempts(7),
		job.WithRetryDelay(time.Minute),
	)

	r, err := eng.EnqueueRaw(context.Background(), "transcode", nil)
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	if r.MaxAttempts != 7 {
		t.Errorf("max attempts = %d, want 7", r.MaxAttempts)
	}
	if r.RetryDelay != time.Minute {
		t.Errorf("retry delay = %v, want 1m", r.RetryDelay)
	}
}

func TestEnqueueRaw_CapturesProjectScope(t *testing.T) {
	eng, _ := setupEngine(t)

	ctx := scope.WithProject(context.Background(), "proj-42")
	r, err := eng.EnqueueRaw(ctx, "extract-clip", nil)
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	if r.ProjectID != "proj-42" {
		t.Errorf("project id = %q, want %q", r.ProjectID, "proj-42")
	}
}

func TestTryEnqueueRaw_QueueFull(t *testing.T) {
	store := memory.New()
	c, err := pipeline.New(
		pipeline.WithStore(store),
		pipeline.WithLogger(testLogger()),
		pipeline.WithQueueSize(1),
	)
	if err != nil {
		t.Fatalf("pipeline.New error: %v", err)
	}
	eng, err := engine.Build(c)
	if err != nil {
		t.Fatalf("engine.Build error: %v", err)
	}

	// Pool not started, so the first record stays in the queue.
	if _, err := eng.TryEnqueueRaw(context.Background(), "extract-clip", nil); err != nil {
		t.Fatalf("first enqueue error: %v", err)
	}
	r, err := eng.TryEnqueueRaw(context.Background(), "extract-clip", nil)
	if !errors.Is(err, pipeline.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if r != nil {
		t.Fatal("expected nil record on queue-full")
	}

	// The rejected record reverts to pending so recovery can pick it up.
	jobs, err := store.ListJobs(context.Background(), job.ListOpts{Status: job.StatusPending})
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 pending record, got %d", len(jobs))
	}
}

func TestEnqueueRaw_RateLimited(t *testing.T) {
	eng, _ := setupEngine(t, engine.WithLimits(queue.LimitConfig{
		ProjectID: "hot-project",
		RateLimit: 0.001,
		RateBurst: 1,
	}))

	ctx := context.Background()
	if _, err := eng.EnqueueRaw(ctx, "extract-clip", nil, job.WithProjectID("hot-project")); err != nil {
		t.Fatalf("first enqueue error: %v", err)
	}
	_, err := eng.EnqueueRaw(ctx, "extract-clip", nil, job.WithProjectID("hot-project"))
	if !errors.Is(err, pipeline.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Other projects are unaffected.
	if _, err := eng.EnqueueRaw(ctx, "extract-clip", nil, job.WithProjectID("other")); err != nil {
		t.Fatalf("unscoped enqueue error: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Get / List / Logs
// ──────────────────────────────────────────────────

func TestGet_ReturnsRecord(t *testing.T) {
	eng, _ := setupEngine(t)

	r, err := eng.EnqueueRaw(context.Background(), "extract-clip", []byte(`{}`))
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	got, err := eng.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Name != "extract-clip" {
		t.Errorf("name = %q, want %q", got.Name, "extract-clip")
	}
}

func TestLogs_ReturnsHandlerLogs(t *testing.T) {
	eng, _ := setupEngine(t)
	eng.Registry().RegisterFunc("transcode", func(ctx context.Context, _ []byte) ([]byte, error) {
		rep := job.ReporterFrom(ctx)
		rep.Log(ctx, job.LogLevelInfo, "demuxing stream")
		rep.Log(ctx, job.LogLevelWarn, "dropped 3 frames")
		return nil, nil
	})
	startEngine(t, eng)

	r, err := eng.EnqueueRaw(context.Background(), "transcode", nil)
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	waitForStatus(t, eng, r.ID, job.StatusCompleted)

	logs, err := eng.Logs(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("logs error: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(logs))
	}
	if logs[0].Message != "attempt 1 started" {
		t.Errorf("logs[0] = %q, want the attempt-start entry", logs[0].Message)
	}
	if logs[1].Message != "demuxing stream" || logs[2].Level != job.LogLevelWarn {
		t.Errorf("unexpected log entries: %+v", logs)
	}
}

// ──────────────────────────────────────────────────
// Cancel
// ──────────────────────────────────────────────────

func TestCancel_QueuedJob(t *testing.T) {
	eng, store := setupEngine(t)

	r, err := eng.EnqueueRaw(context.Background(), "extract-clip", nil)
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	if err := eng.Cancel(context.Background(), r.ID); err != nil {
		t.Fatalf("cancel error: %v", err)
	}

	got, err := store.GetJob(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}
}

func TestCancel_RunningJob(t *testing.T) {
	eng, _ := setupEngine(t)

	var started atomic.Bool
	eng.Registry().RegisterFunc("long-render", func(ctx context.Context, _ []byte) ([]byte, error) {
		started.Store(true)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startEngine(t, eng)

	r, err := eng.EnqueueRaw(context.Background(), "long-render", nil)
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	waitFor(t, started.Load)

	if err := eng.Cancel(context.Background(), r.ID); err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	got := waitForStatus(t, eng, r.ID, job.StatusCancelled)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestCancel_CompletedJobRejected(t *testing.T) {
	eng, _ := setupEngine(t)
	eng.Registry().RegisterFunc("quick", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, nil
	})
	startEngine(t, eng)

	r, err := eng.EnqueueRaw(context.Background(), "quick", nil)
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	waitForStatus(t, eng, r.ID, job.StatusCompleted)

	if err := eng.Cancel(context.Background(), r.ID); !errors.Is(err, pipeline.ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal, got %v", err)
	}
}

func TestCancel_NotFound(t *testing.T) {
	eng, _ := setupEngine(t)

	ghost := job.New("ghost", nil, job.DefaultOptions())
	if err := eng.Cancel(context.Background(), ghost.ID); !errors.Is(err, pipeline.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Requeue
// ──────────────────────────────────────────────────

func TestRequeue_FailedJobRunsAgain(t *testing.T) {
	eng, _ := setupEngine(t)

	var runs atomic.Int32
	eng.Registry().RegisterFunc("flaky-upload",
		func(_ context.Context, _ []byte) ([]byte, error) {
			if runs.Add(1) == 1 {
				return nil, errors.New("bucket unavailable")
			}
			return []byte("uploaded"), nil
		},
		job.WithMaxAttempts(1),
	)
	startEngine(t, eng)

	r, err := eng.EnqueueRaw(context.Background(), "flaky-upload", nil)
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	failed := waitForStatus(t, eng, r.ID, job.StatusFailed)
	if failed.Error != "bucket unavailable" {
		t.Fatalf("error = %q, want %q", failed.Error, "bucket unavailable")
	}

	requeued, err := eng.Requeue(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("requeue error: %v", err)
	}
	if requeued.Attempts != 0 {
		t.Errorf("requeued attempts = %d, want 0", requeued.Attempts)
	}
	if requeued.Error != "" {
		t.Errorf("requeued error = %q, want empty", requeued.Error)
	}

	done := waitForStatus(t, eng, r.ID, job.StatusCompleted)
	if string(done.Result) != "uploaded" {
		t.Errorf("result = %q, want %q", done.Result, "uploaded")
	}
}

func TestRequeue_RejectsNonTerminal(t *testing.T) {
	eng, _ := setupEngine(t)

	r, err := eng.EnqueueRaw(context.Background(), "extract-clip", nil)
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	if _, err := eng.Requeue(context.Background(), r.ID); err == nil {
		t.Fatal("expected error requeueing a queued job")
	}
}

// ──────────────────────────────────────────────────
// Crash recovery
// ──────────────────────────────────────────────────

func TestStart_RecoversOrphanedJobs(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// Simulate records left behind by a dead process.
	queued := job.New("extract-clip", nil, job.DefaultOptions())
	if err := queued.Transition(job.StatusQueued); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if err := store.CreateJob(ctx, queued); err != nil {
		t.Fatalf("create error: %v", err)
	}

	running := job.New("extract-clip", nil, job.DefaultOptions())
	if err := running.Transition(job.StatusQueued); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if err := running.Transition(job.StatusInProgress); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if err := store.CreateJob(ctx, running); err != nil {
		t.Fatalf("create error: %v", err)
	}

	pending := job.New("extract-clip", nil, job.DefaultOptions())
	if err := store.CreateJob(ctx, pending); err != nil {
		t.Fatalf("create error: %v", err)
	}

	c, err := pipeline.New(
		pipeline.WithStore(store),
		pipeline.WithLogger(testLogger()),
		pipeline.WithConcurrency(2),
		pipeline.WithQueueSize(16),
	)
	if err != nil {
		t.Fatalf("pipeline.New error: %v", err)
	}
	eng, err := engine.Build(c)
	if err != nil {
		t.Fatalf("engine.Build error: %v", err)
	}
	eng.Registry().RegisterFunc("extract-clip", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, nil
	})
	startEngine(t, eng)

	for _, id := range []interface{ String() string }{queued.ID, running.ID, pending.ID} {
		waitForStatus(t, eng, id, job.StatusCompleted)
	}
}

// ──────────────────────────────────────────────────
// Stats and broadcast integration
// ──────────────────────────────────────────────────

func TestStats_Counts(t *testing.T) {
	eng, _ := setupEngine(t)

	for range 3 {
		if _, err := eng.EnqueueRaw(context.Background(), "extract-clip", nil); err != nil {
			t.Fatalf("enqueue error: %v", err)
		}
	}

	s, err := eng.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if s.QueueDepth != 3 {
		t.Errorf("queue depth = %d, want 3", s.QueueDepth)
	}
	if s.QueueCapacity != 16 {
		t.Errorf("queue capacity = %d, want 16", s.QueueCapacity)
	}
	if s.Jobs[job.StatusQueued] != 3 {
		t.Errorf("queued count = %d, want 3", s.Jobs[job.StatusQueued])
	}
}

func TestBroker_ReceivesLifecycleUpdates(t *testing.T) {
	eng, _ := setupEngine(t)
	eng.Registry().RegisterFunc("caption", func(ctx context.Context, _ []byte) ([]byte, error) {
		job.ReporterFrom(ctx).Progress(ctx, 50, "halfway")
		return []byte("done"), nil
	})

	r, err := eng.EnqueueRaw(context.Background(), "caption", nil)
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	sub := eng.Broker().Subscribe("test-sub", broadcast.JobTopic(r.ID.String()))
	defer eng.Broker().RemoveSubscriber("test-sub")

	startEngine(t, eng)

	deadline := time.After(5 * time.Second)
	sawProgress := false
	for {
		select {
		case u := <-sub.C():
			if u.Progress == 50 {
				sawProgress = true
			}
			if u.Status == job.StatusCompleted {
				if !sawProgress {
					t.Error("completed before any progress update was delivered")
				}
				return
			}
		case <-deadline:
			t.Fatal("no completion update within deadline")
		}
	}
}
