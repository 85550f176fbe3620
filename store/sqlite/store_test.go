package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/job"
	"github.com/clipforge/pipeline/store/sqlite"
)

// setupTestStore opens an in-memory database with the schema applied.
func setupTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	s, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func newRecord(name string, opts ...job.Option) *job.Record {
	o := job.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return job.New(name, []byte(`{"source":"rec_01.mp4"}`), o)
}

func TestRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newRecord("extract-clip",
		job.WithProjectID("proj_a"),
		job.WithMetadata(map[string]string{"resolution": "1080p"}),
	)
	if err := s.CreateJob(ctx, r); err != nil {
		t.Fatalf("create error: %v", err)
	}

	got, err := s.GetJob(ctx, r.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Name != r.Name || got.ProjectID != "proj_a" {
		t.Errorf("got %q/%q, want %q/%q", got.Name, got.ProjectID, r.Name, "proj_a")
	}
	if got.Status != job.StatusPending {
		t.Errorf("status = %q, want %q", got.Status, job.StatusPending)
	}
	if got.MaxAttempts != r.MaxAttempts || got.RetryDelay != r.RetryDelay {
		t.Errorf("retry config = %d/%s, want %d/%s",
			got.MaxAttempts, got.RetryDelay, r.MaxAttempts, r.RetryDelay)
	}
	if got.Metadata["resolution"] != "1080p" {
		t.Errorf("metadata = %v, want resolution preserved", got.Metadata)
	}
	if string(got.Payload) != string(r.Payload) {
		t.Errorf("payload = %s, want %s", got.Payload, r.Payload)
	}
}

func TestCreateJob_Duplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newRecord("extract-clip")
	if err := s.CreateJob(ctx, r); err != nil {
		t.Fatalf("create error: %v", err)
	}
	if err := s.CreateJob(ctx, r); !errors.Is(err, pipeline.ErrJobAlreadyExists) {
		t.Errorf("duplicate create error = %v, want ErrJobAlreadyExists", err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetJob(context.Background(), newRecord("missing").ID)
	if !errors.Is(err, pipeline.ErrJobNotFound) {
		t.Errorf("get error = %v, want ErrJobNotFound", err)
	}
}

func TestUpdateJob_FullLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newRecord("extract-clip")
	if err := s.CreateJob(ctx, r); err != nil {
		t.Fatalf("create error: %v", err)
	}

	if err := r.Transition(job.StatusQueued); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if err := r.Transition(job.StatusInProgress); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	r.Attempts = 1
	r.SetProgress(60, "encoding clip")
	if err := s.UpdateJob(ctx, r); err != nil {
		t.Fatalf("update error: %v", err)
	}

	got, err := s.GetJob(ctx, r.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Status != job.StatusInProgress {
		t.Errorf("status = %q, want %q", got.Status, job.StatusInProgress)
	}
	if got.Progress != 60 || got.Message != "encoding clip" {
		t.Errorf("progress = %d/%q, want 60/%q", got.Progress, got.Message, "encoding clip")
	}
	if got.EnqueuedAt == nil || got.StartedAt == nil {
		t.Error("expected EnqueuedAt and StartedAt to round-trip")
	}
	if got.FinishedAt != nil {
		t.Error("expected FinishedAt nil for a running job")
	}

	if err := got.MarkCompleted([]byte(`{"clip":"clip_01.mp4"}`)); err != nil {
		t.Fatalf("complete error: %v", err)
	}
	if err := s.UpdateJob(ctx, got); err != nil {
		t.Fatalf("update error: %v", err)
	}

	done, err := s.GetJob(ctx, r.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if done.Status != job.StatusCompleted || done.FinishedAt == nil {
		t.Errorf("status = %q finished = %v, want completed with timestamp", done.Status, done.FinishedAt)
	}
	if string(done.Result) != `{"clip":"clip_01.mp4"}` {
		t.Errorf("result = %s, want stored output", done.Result)
	}
}

func TestUpdateJob_NotFound(t *testing.T) {
	s := setupTestStore(t)

	err := s.UpdateJob(context.Background(), newRecord("missing"))
	if !errors.Is(err, pipeline.ErrJobNotFound) {
		t.Errorf("update error = %v, want ErrJobNotFound", err)
	}
}

func TestDeleteJob_CascadesLogs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newRecord("extract-clip")
	if err := s.CreateJob(ctx, r); err != nil {
		t.Fatalf("create error: %v", err)
	}
	entry := job.LogEntry{Timestamp: time.Now().UTC(), Level: job.LogLevelInfo, Message: "started"}
	if err := s.AppendLog(ctx, r.ID, entry); err != nil {
		t.Fatalf("append log error: %v", err)
	}

	if err := s.DeleteJob(ctx, r.ID); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if _, err := s.GetJob(ctx, r.ID); !errors.Is(err, pipeline.ErrJobNotFound) {
		t.Errorf("get after delete error = %v, want ErrJobNotFound", err)
	}
	if _, err := s.GetLogs(ctx, r.ID); !errors.Is(err, pipeline.ErrJobNotFound) {
		t.Errorf("logs after delete error = %v, want ErrJobNotFound", err)
	}
}

func TestListJobs_FiltersAndOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	var newest *job.Record
	for i := 0; i < 3; i++ {
		r := newRecord("extract-clip", job.WithProjectID("proj_a"))
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		r.UpdatedAt = r.CreatedAt
		if err := s.CreateJob(ctx, r); err != nil {
			t.Fatalf("create error: %v", err)
		}
		newest = r
	}
	other := newRecord("burn-captions", job.WithProjectID("proj_b"))
	if err := s.CreateJob(ctx, other); err != nil {
		t.Fatalf("create error: %v", err)
	}

	scoped, err := s.ListJobs(ctx, job.ListOpts{ProjectID: "proj_a"})
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(scoped) != 3 {
		t.Fatalf("len(scoped) = %d, want 3", len(scoped))
	}
	if scoped[0].ID.String() != newest.ID.String() {
		t.Errorf("first listed = %s, want newest %s", scoped[0].ID, newest.ID)
	}

	page, err := s.ListJobs(ctx, job.ListOpts{ProjectID: "proj_a", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}

	pending, err := s.ListJobs(ctx, job.ListOpts{Status: job.StatusPending})
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("len(pending) = %d, want 4", len(pending))
	}
}

func TestLogs_AppendOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newRecord("extract-clip")
	if err := s.CreateJob(ctx, r); err != nil {
		t.Fatalf("create error: %v", err)
	}

	messages := []string{"downloading source", "transcoding", "uploading clip"}
	for _, msg := range messages {
		entry := job.LogEntry{Timestamp: time.Now().UTC(), Level: job.LogLevelInfo, Message: msg, Detail: "stage=" + msg}
		if err := s.AppendLog(ctx, r.ID, entry); err != nil {
			t.Fatalf("append log error: %v", err)
		}
	}

	logs, err := s.GetLogs(ctx, r.ID)
	if err != nil {
		t.Fatalf("get logs error: %v", err)
	}
	if len(logs) != len(messages) {
		t.Fatalf("len(logs) = %d, want %d", len(logs), len(messages))
	}
	for i, msg := range messages {
		if logs[i].Message != msg {
			t.Errorf("logs[%d].Message = %q, want %q", i, logs[i].Message, msg)
		}
		if logs[i].Level != job.LogLevelInfo {
			t.Errorf("logs[%d].Level = %q, want info", i, logs[i].Level)
		}
		if logs[i].Detail != "stage="+msg {
			t.Errorf("logs[%d].Detail = %q, want %q", i, logs[i].Detail, "stage="+msg)
		}
	}
}

func TestAppendLog_NotFound(t *testing.T) {
	s := setupTestStore(t)

	err := s.AppendLog(context.Background(), newRecord("missing").ID, job.LogEntry{
		Timestamp: time.Now().UTC(), Level: job.LogLevelInfo, Message: "x",
	})
	if !errors.Is(err, pipeline.ErrJobNotFound) {
		t.Errorf("append error = %v, want ErrJobNotFound", err)
	}
}

func TestCountJobs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.CreateJob(ctx, newRecord("extract-clip", job.WithProjectID("proj_a"))); err != nil {
			t.Fatalf("create error: %v", err)
		}
	}
	if err := s.CreateJob(ctx, newRecord("burn-captions")); err != nil {
		t.Fatalf("create error: %v", err)
	}

	total, err := s.CountJobs(ctx, job.CountOpts{})
	if err != nil {
		t.Fatalf("count error: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}

	scoped, err := s.CountJobs(ctx, job.CountOpts{ProjectID: "proj_a"})
	if err != nil {
		t.Fatalf("count error: %v", err)
	}
	if scoped != 2 {
		t.Errorf("scoped = %d, want 2", scoped)
	}
}
