package audit

import (
	"context"
	"errors"
	"time"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Filters narrows a query. Zero-valued fields are ignored; set fields are
// AND-combined.
type Filters struct {
	Type         EventType
	ResourceType string
	ResourceID   string
	Actor        string
	IP           string
}

// Page selects a window of results. Numbering starts at 1.
type Page struct {
	Number int
	Size   int
}

// ResultPage is one page of events plus the total match count, newest first.
type ResultPage struct {
	Events []Event   `json:"results"`
	Total  int       `json:"count"`
	Page   int       `json:"page"`
	Size   int       `json:"page_size"`
	Start  time.Time `json:"range_start"`
	End    time.Time `json:"range_end"`
}

// QueryEngine provides read access over the audit store.
type QueryEngine struct {
	store Store
	now   func() time.Time
}

// QueryOption configures a QueryEngine.
type QueryOption func(*QueryEngine)

// WithQueryClock overrides the engine's time source, for tests.
func WithQueryClock(fn func() time.Time) QueryOption {
	return func(q *QueryEngine) {
		if fn != nil {
			q.now = fn
		}
	}
}

// NewQueryEngine constructs a QueryEngine over the given store.
func NewQueryEngine(store Store, opts ...QueryOption) *QueryEngine {
	q := &QueryEngine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Query resolves the date range against the current clock and returns the
// requested page ordered by timestamp descending, along with the total count.
func (q *QueryEngine) Query(ctx context.Context, f Filters, r DateRange, p Page) (*ResultPage, error) {
	start, end, err := r.Resolve(q.now())
	if err != nil {
		return nil, err
	}
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}

	events, total, err := q.store.Search(ctx, Query{
		Type:         f.Type,
		ResourceType: f.ResourceType,
		ResourceID:   f.ResourceID,
		Actor:        f.Actor,
		IP:           f.IP,
		Start:        start,
		End:          end,
		Offset:       (p.Number - 1) * p.Size,
		Limit:        p.Size,
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []Event{}
	}
	return &ResultPage{
		Events: events,
		Total:  total,
		Page:   p.Number,
		Size:   p.Size,
		Start:  start,
		End:    end,
	}, nil
}

// collectAll pages through the store on behalf of the exporter.
func (q *QueryEngine) collectAll(ctx context.Context, f Filters, start, end time.Time) ([]Event, error) {
	var all []Event
	offset := 0
	for {
		events, _, err := q.store.Search(ctx, Query{
			Type:         f.Type,
			ResourceType: f.ResourceType,
			ResourceID:   f.ResourceID,
			Actor:        f.Actor,
			IP:           f.IP,
			Start:        start,
			End:          end,
			Offset:       offset,
			Limit:        maxPageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
		if len(events) < maxPageSize {
			return all, nil
		}
		offset += maxPageSize
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// ParseEventType validates a wire-supplied event type filter.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventLoginSuccess, EventLoginFailure, EventLoginPartial, EventLogout,
		EventUserApproval, EventUserRejection,
		EventAccountLock, EventAccountUnlock, EventAccountDeactivated, EventAccountReactivated,
		EventAccountRegistered, EventEmailVerified,
		EventTwoFactorSetup, EventTwoFactorDisabled,
		EventPasswordChange, EventPasswordReset,
		EventAccess, EventExport, EventConfigurationChange, EventEmergencyAccess:
		return EventType(s), nil
	default:
		return "", errors.New("audit: unknown event type")
	}
}
