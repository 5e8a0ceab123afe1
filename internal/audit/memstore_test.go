package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for package tests. It mirrors the PGStore
// ordering and guard semantics closely enough for the recorder, exporter and
// emergency log to run against it unchanged.
type memStore struct {
	mu        sync.Mutex
	events    []Event
	emergency []EmergencyAccess
	jobs      map[string]*ExportJob

	appendErr error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*ExportJob{}}
}

func (m *memStore) Append(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.events = append(m.events, *e)
	return nil
}

func (m *memStore) stored() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func matches(e Event, q Query) bool {
	if e.Timestamp.Before(q.Start) || e.Timestamp.After(q.End) {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.ResourceType != "" && e.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if q.IP != "" && e.IP != q.IP {
		return false
	}
	return true
}

func (m *memStore) Search(_ context.Context, q Query) ([]Event, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []Event
	for _, e := range m.events {
		if matches(e, q) {
			hits = append(hits, e)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})
	total := len(hits)
	if q.Offset >= total {
		return nil, total, nil
	}
	hits = hits[q.Offset:]
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, total, nil
}

func (m *memStore) Stats(_ context.Context, start, end time.Time) (map[EventType]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[EventType]int{}
	for _, e := range m.events {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			stats[e.Type]++
		}
	}
	return stats, nil
}

func (m *memStore) CreateEmergencyAccess(_ context.Context, rec *EmergencyAccess) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergency = append(m.emergency, *rec)
	return nil
}

func (m *memStore) ListEmergencyAccess(_ context.Context, onlyPending bool) ([]EmergencyAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []EmergencyAccess
	for _, rec := range m.emergency {
		if onlyPending && rec.Reviewed {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (m *memStore) MarkEmergencyReviewed(_ context.Context, id, reviewerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.emergency {
		if m.emergency[i].ID == id {
			m.emergency[i].Reviewed = true
			m.emergency[i].ReviewerID = reviewerID
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) CountEmergencyPending(_ context.Context) (int, error) {
	recs, _ := m.ListEmergencyAccess(context.Background(), true)
	return len(recs), nil
}

func (m *memStore) CreateExportJob(_ context.Context, job *ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetExportJob(_ context.Context, id string) (*ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) ClaimNextExportJob(_ context.Context) (*ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *ExportJob
	for _, job := range m.jobs {
		if job.Status != JobQueued {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = JobProcessing
	cp := *oldest
	return &cp, nil
}

func (m *memStore) RequeueExportJobs(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.Status == JobProcessing {
			job.Status = JobQueued
			n++
		}
	}
	return n, nil
}

func (m *memStore) CompleteExportJob(_ context.Context, id, artifact string) error {
	return m.finish(id, JobCompleted, artifact, "")
}

func (m *memStore) FailExportJob(_ context.Context, id, cause string) error {
	return m.finish(id, JobFailed, "", cause)
}

func (m *memStore) finish(id string, status JobStatus, artifact, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != JobProcessing {
		return ErrNotFound
	}
	job.Status = status
	job.Artifact = artifact
	job.Error = cause
	now := time.Now().UTC()
	job.CompletedAt = &now
	return nil
}

func (m *memStore) CancelExportJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != JobQueued {
		return ErrJobNotCancellable
	}
	job.Status = JobCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now
	return nil
}

// memObjects is an in-memory ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	puts    map[string][]byte
	types   map[string]string
	fail    error
	lastKey string
}

func newMemObjects() *memObjects {
	return &memObjects{puts: map[string][]byte{}, types: map[string]string{}}
}

func (o *memObjects) Put(_ context.Context, key, contentType string, body []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return "", o.fail
	}
	o.puts[key] = body
	o.types[key] = contentType
	o.lastKey = key
	return key, nil
}
