package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carebridge.org/internal/obs"
)

// ExportFormat selects the artifact encoding.
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// JobStatus is the lifecycle of an export job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// ExportJob is an asynchronous audit export. The date range is resolved to
// absolute boundaries at enqueue time so the artifact matches what the
// requester saw, regardless of when a worker picks the job up.
type ExportJob struct {
	ID          string       `json:"id"`
	RequestedBy string       `json:"requested_by"`
	Filters     Filters      `json:"filters"`
	Start       time.Time    `json:"range_start"`
	End         time.Time    `json:"range_end"`
	Format      ExportFormat `json:"format"`
	Status      JobStatus    `json:"status"`
	Artifact    string       `json:"artifact,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// ObjectStore persists export artifacts. The production implementation is
// S3; tests use an in-memory fake.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// Exporter owns the export job queue and its worker pool. Jobs run off the
// request path; callers poll job status through Job.
type Exporter struct {
	store   Store
	objects ObjectStore
	rec     *Recorder
	engine  *QueryEngine
	log     *zap.Logger
	now     func() time.Time

	workers int
	wake    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) ExporterOption {
	return func(e *Exporter) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithExporterClock overrides the time source, for tests.
func WithExporterClock(fn func() time.Time) ExporterOption {
	return func(e *Exporter) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithExporterLogger overrides the exporter's logger.
func WithExporterLogger(l *zap.Logger) ExporterOption {
	return func(e *Exporter) {
		if l != nil {
			e.log = l
		}
	}
}

// NewExporter constructs an Exporter. Call Start to launch workers.
func NewExporter(store Store, objects ObjectStore, rec *Recorder, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		store:   store,
		objects: objects,
		rec:     rec,
		engine:  NewQueryEngine(store),
		log:     obs.Logger(),
		now:     time.Now,
		workers: 2,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue registers an export job and returns it immediately. Exporting
// audit data is itself audit-worthy, so the enqueue emits its own export
// event fail-closed: if that record cannot be written the job is not created.
func (e *Exporter) Enqueue(ctx context.Context, requestedBy string, f Filters, r DateRange, format ExportFormat) (*ExportJob, error) {
	if format != FormatCSV && format != FormatJSON {
		return nil, fmt.Errorf("audit: unsupported export format %q", format)
	}
	start, end, err := r.Resolve(e.now())
	if err != nil {
		return nil, err
	}

	job := &ExportJob{
		ID:          uuid.NewString(),
		RequestedBy: requestedBy,
		Filters:     f,
		Start:       start,
		End:         end,
		Format:      format,
		Status:      JobQueued,
		CreatedAt:   e.now().UTC(),
	}

	if _, err := e.rec.Append(ctx, Event{
		Type:         EventExport,
		ResourceType: "audit_export",
		ResourceID:   job.ID,
		Severity:     SeverityWarning,
		Details: map[string]any{
			"format":      string(format),
			"range_start": start.Format(time.RFC3339Nano),
			"range_end":   end.Format(time.RFC3339Nano),
		},
	}); err != nil {
		return nil, err
	}

	if err := e.store.CreateExportJob(ctx, job); err != nil {
		return nil, err
	}
	obs.ExportJobs.WithLabelValues(string(JobQueued)).Inc()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Job returns the current state of an export job.
func (e *Exporter) Job(ctx context.Context, id string) (*ExportJob, error) {
	return e.store.GetExportJob(ctx, id)
}

// Cancel aborts a job that has not started processing yet.
func (e *Exporter) Cancel(ctx context.Context, id string) error {
	if err := e.store.CancelExportJob(ctx, id); err != nil {
		return err
	}
	obs.ExportJobs.WithLabelValues(string(JobCancelled)).Inc()
	return nil
}

// Start launches the worker pool. Workers stop when Close is called.
// Jobs still marked processing at this point were stranded by a crash or
// shutdown; they go back to the queue before the workers begin.
func (e *Exporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if n, err := e.store.RequeueExportJobs(ctx); err != nil {
		e.log.Error("requeue stranded export jobs", zap.Error(err))
	} else if n > 0 {
		e.log.Warn("requeued export jobs left in processing", zap.Int("count", n))
	}
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.workLoop(ctx)
	}
}

// Close stops the worker pool and waits for in-flight jobs.
func (e *Exporter) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Exporter) workLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		e.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// drain claims and runs queued jobs until the queue is empty.
func (e *Exporter) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := e.store.ClaimNextExportJob(ctx)
		if err != nil {
			e.log.Error("claim export job", zap.Error(err))
			return
		}
		if job == nil {
			return
		}
		e.run(ctx, job)
	}
}

func (e *Exporter) run(ctx context.Context, job *ExportJob) {
	artifact, err := e.render(ctx, job)
	// Status writes use a detached context: when shutdown cancels the
	// render, the failure must still land or the job stays in processing,
	// which ClaimNextExportJob never revisits.
	done := context.WithoutCancel(ctx)
	if err != nil {
		if ferr := e.store.FailExportJob(done, job.ID, err.Error()); ferr != nil {
			e.log.Error("mark export job failed", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		obs.ExportJobs.WithLabelValues(string(JobFailed)).Inc()
		e.log.Error("export job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := e.store.CompleteExportJob(done, job.ID, artifact); err != nil {
		e.log.Error("mark export job complete", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	obs.ExportJobs.WithLabelValues(string(JobCompleted)).Inc()
	e.log.Info("export job completed",
		zap.String("job_id", job.ID),
		zap.String("artifact", artifact),
	)
}

func (e *Exporter) render(ctx context.Context, job *ExportJob) (string, error) {
	events, err := e.engine.collectAll(ctx, job.Filters, job.Start, job.End)
	if err != nil {
		return "", err
	}

	var (
		body        []byte
		contentType string
	)
	switch job.Format {
	case FormatCSV:
		body, err = renderCSV(events)
		contentType = "text/csv"
	case FormatJSON:
		body, err = json.MarshalIndent(events, "", "  ")
		contentType = "application/json"
	default:
		err = errors.New("audit: unsupported export format")
	}
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("audit-exports/%s/%s.%s", job.CreatedAt.UTC().Format("2006/01/02"), job.ID, job.Format)
	return e.objects.Put(ctx, key, contentType, body)
}

func renderCSV(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "timestamp", "event_type", "actor_id", "resource_type", "resource_id", "ip_address", "user_agent", "severity", "details"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, e := range events {
		details := ""
		if len(e.Details) > 0 {
			raw, err := json.Marshal(e.Details)
			if err != nil {
				return nil, err
			}
			details = string(raw)
		}
		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.Type),
			e.Actor,
			e.ResourceType,
			e.ResourceID,
			e.IP,
			e.UserAgent,
			string(e.Severity),
			details,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
