package audit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPersistence indicates an event could not be written durably. On
	// PHI-gated paths callers must abort their triggering action.
	ErrPersistence = errors.New("audit: event not persisted")

	// ErrNotFound is returned for unknown export jobs and emergency records.
	ErrNotFound = errors.New("audit: not found")

	// ErrJobNotCancellable is returned when cancelling a job that already
	// left the queued state.
	ErrJobNotCancellable = errors.New("audit: export job already started")
)

// Query is the storage-level shape of an audit search: AND-combined filters,
// an inclusive UTC time window, and offset pagination.
type Query struct {
	Type         EventType
	ResourceType string
	ResourceID   string
	Actor        string
	IP           string
	Start        time.Time
	End          time.Time
	Offset       int
	Limit        int
}

// Store is the durable audit store. Append is the only write path for
// events; there is deliberately no update or delete.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Search(ctx context.Context, q Query) ([]Event, int, error)
	Stats(ctx context.Context, start, end time.Time) (map[EventType]int, error)

	CreateEmergencyAccess(ctx context.Context, rec *EmergencyAccess) error
	ListEmergencyAccess(ctx context.Context, onlyPending bool) ([]EmergencyAccess, error)
	MarkEmergencyReviewed(ctx context.Context, id, reviewerID string) error
	CountEmergencyPending(ctx context.Context) (int, error)

	CreateExportJob(ctx context.Context, job *ExportJob) error
	GetExportJob(ctx context.Context, id string) (*ExportJob, error)
	ClaimNextExportJob(ctx context.Context) (*ExportJob, error)

	// RequeueExportJobs returns every processing job to the queue and
	// reports how many were moved. Only valid while no worker is running.
	RequeueExportJobs(ctx context.Context) (int, error)
	CompleteExportJob(ctx context.Context, id, artifact string) error
	FailExportJob(ctx context.Context, id, cause string) error
	CancelExportJob(ctx context.Context, id string) error
}
