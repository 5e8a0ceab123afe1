package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL. The audit_events table has insert
// and select grants only; the absence of update/delete statements here is a
// compliance property, not an omission.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, e *Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_events(id, ts, event_type, actor_id, resource_type, resource_id, ip_address, user_agent, details, severity)
		values ($1,$2,$3,nullif($4,''),$5,nullif($6,''),$7,$8,$9,$10)
	`, e.ID, e.Timestamp, string(e.Type), e.Actor, e.ResourceType, e.ResourceID, e.IP, e.UserAgent, details, string(e.Severity))
	return err
}

func (s *PGStore) Search(ctx context.Context, q Query) ([]Event, int, error) {
	where, args := buildWhere(q)

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_events `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	args = append(args, limit, q.Offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select id, ts, event_type, coalesce(actor_id,''), resource_type, coalesce(resource_id,''), ip_address, user_agent, details, severity
		from audit_events %s
		order by ts desc, id desc
		limit $%d offset $%d
	`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Actor, &e.ResourceType, &e.ResourceID, &e.IP, &e.UserAgent, &details, &e.Severity); err != nil {
			return nil, 0, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

func buildWhere(q Query) (string, []any) {
	clauses := []string{"ts >= $1", "ts <= $2"}
	args := []any{q.Start, q.End}
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("event_type", string(q.Type))
	add("resource_type", q.ResourceType)
	add("resource_id", q.ResourceID)
	add("actor_id", q.Actor)
	add("ip_address", q.IP)
	return "where " + strings.Join(clauses, " and "), args
}

func (s *PGStore) Stats(ctx context.Context, start, end time.Time) (map[EventType]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		select event_type, count(*)
		from audit_events
		where ts >= $1 and ts <= $2
		group by event_type
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[EventType]int{}
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats[EventType(t)] = n
	}
	return stats, rows.Err()
}

// Emergency access ---------------------------------------------------------

func (s *PGStore) CreateEmergencyAccess(ctx context.Context, rec *EmergencyAccess) error {
	_, err := s.db.ExecContext(ctx, `
		insert into emergency_access(id, account_id, reason, duration_seconds, reviewed, created_at)
		values ($1,$2,$3,$4,false,$5)
	`, rec.ID, rec.AccountID, rec.Reason, int64(rec.Duration.Seconds()), rec.CreatedAt)
	return err
}

func (s *PGStore) ListEmergencyAccess(ctx context.Context, onlyPending bool) ([]EmergencyAccess, error) {
	query := `
		select id, account_id, reason, duration_seconds, reviewed, coalesce(reviewer_id,''), created_at
		from emergency_access`
	if onlyPending {
		query += ` where not reviewed`
	}
	query += ` order by created_at desc`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []EmergencyAccess
	for rows.Next() {
		var (
			rec     EmergencyAccess
			seconds int64
		)
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.Reason, &seconds, &rec.Reviewed, &rec.ReviewerID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(seconds) * time.Second
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PGStore) MarkEmergencyReviewed(ctx context.Context, id, reviewerID string) error {
	res, err := s.db.ExecContext(ctx, `
		update emergency_access set reviewed = true, reviewer_id = $2 where id = $1
	`, id, reviewerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CountEmergencyPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from emergency_access where not reviewed`).Scan(&n)
	return n, err
}

// Export jobs --------------------------------------------------------------

func (s *PGStore) CreateExportJob(ctx context.Context, job *ExportJob) error {
	filters, err := json.Marshal(job.Filters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_export_jobs(id, requested_by, filters, range_start, range_end, format, status, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, job.ID, job.RequestedBy, filters, job.Start, job.End, string(job.Format), string(job.Status), job.CreatedAt)
	return err
}

func (s *PGStore) GetExportJob(ctx context.Context, id string) (*ExportJob, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, requested_by, filters, range_start, range_end, format, status, coalesce(artifact,''), coalesce(error,''), created_at, completed_at
		from audit_export_jobs where id = $1
	`, id)
	return scanExportJob(row)
}

// ClaimNextExportJob atomically moves the oldest queued job to processing.
// Returns (nil, nil) when the queue is empty. The "for update skip locked"
// clause keeps concurrent workers from claiming the same job.
func (s *PGStore) ClaimNextExportJob(ctx context.Context) (*ExportJob, error) {
	row := s.db.QueryRowContext(ctx, `
		update audit_export_jobs set status = 'processing'
		where id = (
			select id from audit_export_jobs
			where status = 'queued'
			order by created_at asc
			for update skip locked
			limit 1
		)
		returning id, requested_by, filters, range_start, range_end, format, status, coalesce(artifact,''), coalesce(error,''), created_at, completed_at
	`)
	job, err := scanExportJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *PGStore) RequeueExportJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update audit_export_jobs set status = 'queued' where status = 'processing'
	`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PGStore) CompleteExportJob(ctx context.Context, id, artifact string) error {
	return s.finishExportJob(ctx, id, JobCompleted, artifact, "")
}

func (s *PGStore) FailExportJob(ctx context.Context, id, cause string) error {
	return s.finishExportJob(ctx, id, JobFailed, "", cause)
}

func (s *PGStore) finishExportJob(ctx context.Context, id string, status JobStatus, artifact, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		update audit_export_jobs
		set status = $2, artifact = nullif($3,''), error = nullif($4,''), completed_at = now()
		where id = $1 and status = 'processing'
	`, id, string(status), artifact, cause)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CancelExportJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update audit_export_jobs set status = 'cancelled', completed_at = now()
		where id = $1 and status = 'queued'
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetExportJob(ctx, id); gerr != nil {
			return gerr
		}
		return ErrJobNotCancellable
	}
	return nil
}

func scanExportJob(row *sql.Row) (*ExportJob, error) {
	var (
		job         ExportJob
		filters     []byte
		format      string
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.RequestedBy, &filters, &job.Start, &job.End, &format, &status, &job.Artifact, &job.Error, &job.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(filters) > 0 {
		_ = json.Unmarshal(filters, &job.Filters)
	}
	job.Format = ExportFormat(format)
	job.Status = JobStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
