package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"carebridge.org/internal/ids"
	"carebridge.org/internal/obs"
)

const (
	defaultBufferSize = 256
	flushRetries      = 3
	flushBackoff      = 250 * time.Millisecond
)

// Recorder is the single write path into the audit store. It offers two
// delivery modes with deliberately different guarantees:
//
//   - Append: synchronous and fail-closed. Used for account-status changes
//     and PHI-gated access; the caller must treat an error as failure of the
//     triggering action.
//   - Record: best-effort and buffered. Used for informational events where
//     losing a record under backpressure is preferable to failing a login.
type Recorder struct {
	store Store
	now   func() time.Time
	log   *zap.Logger

	buf  chan Event
	wg   sync.WaitGroup
	once sync.Once
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the recorder's time source, for tests.
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithBuffer sizes the best-effort queue.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buf = make(chan Event, n)
		}
	}
}

// WithLogger overrides the recorder's logger.
func WithLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRecorder constructs a Recorder. Call Start before using Record.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store: store,
		now:   time.Now,
		log:   obs.Logger(),
		buf:   make(chan Event, defaultBufferSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append persists the event synchronously. The id and timestamp are assigned
// server-side; whatever the caller put there is discarded.
func (r *Recorder) Append(ctx context.Context, e Event) (*Event, error) {
	r.stamp(ctx, &e)
	if err := r.store.Append(ctx, &e); err != nil {
		obs.AuditAppendFailures.Inc()
		r.log.Error("audit append failed",
			zap.String("event_type", string(e.Type)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	obs.AuditAppends.WithLabelValues("sync").Inc()
	return &e, nil
}

// Record enqueues the event for background persistence. If the buffer is
// full the event is dropped and counted; Record never blocks a request.
func (r *Recorder) Record(ctx context.Context, e Event) {
	r.stamp(ctx, &e)
	select {
	case r.buf <- e:
		obs.AuditAppends.WithLabelValues("buffered").Inc()
	default:
		obs.AuditAppendFailures.Inc()
		r.log.Warn("audit buffer full, event dropped",
			zap.String("event_type", string(e.Type)),
		)
	}
}

// Start launches the background flusher. Close stops it after draining.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.flushLoop()
}

// Close drains the buffer and stops the flusher.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.buf) })
	r.wg.Wait()
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	for e := range r.buf {
		r.flushOne(e)
	}
}

func (r *Recorder) flushOne(e Event) {
	var err error
	for attempt := 0; attempt < flushRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = r.store.Append(ctx, &e)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(flushBackoff << attempt)
	}
	obs.AuditAppendFailures.Inc()
	r.log.Error("buffered audit event lost after retries",
		zap.String("event_type", string(e.Type)),
		zap.String("event_id", e.ID),
		zap.Error(err),
	)
}

// stamp assigns server-side fields and fills actor/ip/user-agent from the
// request metadata attached by the HTTP layer, unless the caller set them
// explicitly (system-initiated events have no request context).
func (r *Recorder) stamp(ctx context.Context, e *Event) {
	e.ID = ids.New()
	e.Timestamp = r.now().UTC()
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	info := InfoFromContext(ctx)
	if e.Actor == "" {
		e.Actor = info.Actor
	}
	if e.IP == "" {
		e.IP = info.IP
	}
	if e.UserAgent == "" {
		e.UserAgent = info.UserAgent
	}
	if info.RequestID != "" {
		if e.Details == nil {
			e.Details = map[string]any{}
		}
		if _, ok := e.Details["request_id"]; !ok {
			e.Details["request_id"] = info.RequestID
		}
	}
}
