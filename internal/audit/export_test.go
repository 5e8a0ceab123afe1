package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type exportFixture struct {
	store    *memStore
	objects  *memObjects
	recorder *Recorder
	exporter *Exporter
	now      time.Time
}

func newExportFixture(t *testing.T) *exportFixture {
	t.Helper()
	store := newMemStore()
	objects := newMemObjects()
	now := time.Date(2026, time.May, 20, 14, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	rec := NewRecorder(store, WithClock(clock))
	exp := NewExporter(store, objects, rec, WithExporterClock(clock))
	return &exportFixture{store: store, objects: objects, recorder: rec, exporter: exp, now: now}
}

func (f *exportFixture) seed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.recorder.Append(context.Background(), Event{
			Type:         EventAccess,
			Actor:        "acct-1",
			ResourceType: "patient_record",
			ResourceID:   "pr-9",
			Details:      map[string]any{"n": i},
		})
		if err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func TestEnqueueResolvesRangeUpFront(t *testing.T) {
	f := newExportFixture(t)

	job, err := f.exporter.Enqueue(context.Background(), "acct-admin", Filters{}, DateRange{Preset: PresetLast7Days}, FormatCSV)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != JobQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}
	if !job.Start.Equal(f.now.AddDate(0, 0, -7)) || !job.End.Equal(f.now) {
		t.Fatalf("range = [%v, %v], want resolved against enqueue clock", job.Start, job.End)
	}

	// Requesting an export is itself recorded, before the job exists.
	events := f.store.stored()
	if len(events) != 1 || events[0].Type != EventExport {
		t.Fatalf("events = %+v, want one export event", events)
	}
	if events[0].Severity != SeverityWarning || events[0].ResourceID != job.ID {
		t.Fatalf("export event = %+v", events[0])
	}

	got, err := f.exporter.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("job lookup: %v", err)
	}
	if got.Status != JobQueued {
		t.Fatalf("stored status = %q", got.Status)
	}
}

func TestEnqueueRejectsUnknownFormat(t *testing.T) {
	f := newExportFixture(t)
	if _, err := f.exporter.Enqueue(context.Background(), "acct-admin", Filters{}, DateRange{Preset: PresetToday}, "xlsx"); err == nil {
		t.Fatal("want error for unsupported format")
	}
}

func TestEnqueueFailsClosedWhenAuditUnavailable(t *testing.T) {
	f := newExportFixture(t)
	f.store.appendErr = errors.New("store down")

	_, err := f.exporter.Enqueue(context.Background(), "acct-admin", Filters{}, DateRange{Preset: PresetToday}, FormatCSV)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if len(f.store.jobs) != 0 {
		t.Fatal("job created despite audit failure")
	}
}

func TestWorkerRendersCSVArtifact(t *testing.T) {
	f := newExportFixture(t)
	f.seed(t, 3)

	job, err := f.exporter.Enqueue(context.Background(), "acct-admin", Filters{Type: EventAccess}, DateRange{Preset: PresetToday}, FormatCSV)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.exporter.drain(context.Background())

	got, err := f.exporter.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("job lookup: %v", err)
	}
	if got.Status != JobCompleted {
		t.Fatalf("status = %q, error = %q", got.Status, got.Error)
	}
	wantPrefix := "audit-exports/2026/05/20/" + job.ID + ".csv"
	if got.Artifact != wantPrefix {
		t.Fatalf("artifact = %q, want %q", got.Artifact, wantPrefix)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if ct := f.objects.types[got.Artifact]; ct != "text/csv" {
		t.Fatalf("content type = %q", ct)
	}

	rows, err := csv.NewReader(bytes.NewReader(f.objects.puts[got.Artifact])).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	// Header plus the three seeded access events. The export event itself is
	// filtered out by the type filter.
	if len(rows) != 4 {
		t.Fatalf("csv rows = %d, want 4", len(rows))
	}
	if rows[0][0] != "id" || rows[0][2] != "event_type" {
		t.Fatalf("header = %v", rows[0])
	}
	for _, row := range rows[1:] {
		if row[2] != string(EventAccess) {
			t.Fatalf("row type = %q", row[2])
		}
	}
}

func TestWorkerRendersJSONArtifact(t *testing.T) {
	f := newExportFixture(t)
	f.seed(t, 2)

	job, err := f.exporter.Enqueue(context.Background(), "acct-admin", Filters{Type: EventAccess}, DateRange{Preset: PresetToday}, FormatJSON)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.exporter.drain(context.Background())

	got, err := f.exporter.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("job lookup: %v", err)
	}
	if got.Status != JobCompleted {
		t.Fatalf("status = %q, error = %q", got.Status, got.Error)
	}
	if !strings.HasSuffix(got.Artifact, ".json") {
		t.Fatalf("artifact = %q", got.Artifact)
	}

	var events []Event
	if err := json.Unmarshal(f.objects.puts[got.Artifact], &events); err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("exported %d events, want 2", len(events))
	}
}

func TestWorkerMarksJobFailedOnUploadError(t *testing.T) {
	f := newExportFixture(t)
	f.seed(t, 1)
	f.objects.fail = errors.New("bucket unavailable")

	job, err := f.exporter.Enqueue(context.Background(), "acct-admin", Filters{}, DateRange{Preset: PresetToday}, FormatCSV)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.exporter.drain(context.Background())

	got, err := f.exporter.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("job lookup: %v", err)
	}
	if got.Status != JobFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "bucket unavailable") {
		t.Fatalf("error = %q", got.Error)
	}
}

// ctxStore honors context cancellation on the calls a worker makes while a
// job is in flight, which the plain memStore ignores.
type ctxStore struct {
	*memStore
}

func (s *ctxStore) Search(ctx context.Context, q Query) ([]Event, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return s.memStore.Search(ctx, q)
}

func (s *ctxStore) FailExportJob(ctx context.Context, id, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.FailExportJob(ctx, id, cause)
}

func TestShutdownDoesNotStrandInFlightJob(t *testing.T) {
	store := &ctxStore{memStore: newMemStore()}
	objects := newMemObjects()
	rec := NewRecorder(store)
	exp := NewExporter(store, objects, rec)

	job, err := exp.Enqueue(context.Background(), "acct-admin", Filters{}, DateRange{Preset: PresetToday}, FormatCSV)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := store.ClaimNextExportJob(context.Background())
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	// The worker context is cancelled mid-job, as Close does.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exp.run(ctx, claimed)

	got, err := exp.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("job lookup: %v", err)
	}
	if got.Status != JobFailed {
		t.Fatalf("status = %q, want failed after cancelled run", got.Status)
	}
	if got.Error == "" {
		t.Fatal("failure cause not recorded")
	}
}

func TestStartRequeuesStrandedJobs(t *testing.T) {
	f := newExportFixture(t)
	f.seed(t, 1)

	job, err := f.exporter.Enqueue(context.Background(), "acct-admin", Filters{}, DateRange{Preset: PresetToday}, FormatCSV)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Simulate a crash after claim: the job sits in processing with no
	// worker attached.
	if _, err := f.store.ClaimNextExportJob(context.Background()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	f.exporter.Start()
	defer f.exporter.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := f.exporter.Job(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("job lookup: %v", err)
		}
		if got.Status == JobCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %q, want completed after restart", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelOnlyReachesQueuedJobs(t *testing.T) {
	f := newExportFixture(t)

	job, err := f.exporter.Enqueue(context.Background(), "acct-admin", Filters{}, DateRange{Preset: PresetToday}, FormatCSV)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.exporter.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	got, _ := f.exporter.Job(context.Background(), job.ID)
	if got.Status != JobCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}

	second, err := f.exporter.Enqueue(context.Background(), "acct-admin", Filters{}, DateRange{Preset: PresetToday}, FormatCSV)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.store.ClaimNextExportJob(context.Background()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.exporter.Cancel(context.Background(), second.ID); !errors.Is(err, ErrJobNotCancellable) {
		t.Fatalf("err = %v, want ErrJobNotCancellable", err)
	}

	if err := f.exporter.Cancel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
