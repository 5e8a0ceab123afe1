package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"carebridge.org/internal/audit"
	"carebridge.org/internal/identity"
)

type exportRequest struct {
	Format       string `json:"format"`
	Range        string `json:"range"`
	Start        string `json:"start,omitempty"`
	End          string `json:"end,omitempty"`
	Type         string `json:"type,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	Actor        string `json:"actor,omitempty"`
	IP           string `json:"ip,omitempty"`
}

type emergencyRequest struct {
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureCapability(w, r, identity.CapAuditAccess) {
		return
	}

	q := r.URL.Query()
	filters, dr, err := parseAuditQuery(q)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pageNum, err := parsePositiveInt(q.Get("page"), 1, 1, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page "+err.Error())
		return
	}
	pageSize, err := parsePositiveInt(q.Get("page_size"), 0, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page_size "+err.Error())
		return
	}

	page, err := a.queries.Query(r.Context(), filters, dr, audit.Page{Number: pageNum, Size: pageSize})
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureCapability(w, r, identity.CapAuditExport) {
		return
	}
	acct, _ := identity.AccountFromContext(r.Context())

	var req exportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	format := audit.ExportFormat(strings.ToLower(strings.TrimSpace(req.Format)))
	if format != audit.FormatCSV && format != audit.FormatJSON {
		writeError(w, r, http.StatusBadRequest, "format must be csv or json")
		return
	}
	dr, err := dateRangeFromStrings(req.Range, req.Start, req.End)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filters := audit.Filters{
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Actor:        req.Actor,
		IP:           req.IP,
	}
	if strings.TrimSpace(req.Type) != "" {
		t, err := audit.ParseEventType(req.Type)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filters.Type = t
	}

	job, err := a.exporter.Enqueue(r.Context(), acct.ID, filters, dr, format)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/audit/export/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (a *API) handleAuditExportScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/audit/export/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if !a.ensureCapability(w, r, identity.CapAuditExport) {
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		job, err := a.exporter.Job(r.Context(), parts[0])
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.exporter.Cancel(r.Context(), parts[0]); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		job, err := a.exporter.Job(r.Context(), parts[0])
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleEmergencyAccess(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureCapability(w, r, identity.CapAuditAccess) {
			return
		}
		recs, err := a.emergency.Pending(r.Context())
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": recs, "count": len(recs)})
	case http.MethodPost:
		if !a.ensureCapability(w, r, identity.CapEmergencyAccess) {
			return
		}
		acct, _ := identity.AccountFromContext(r.Context())
		var req emergencyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Reason) == "" {
			writeError(w, r, http.StatusBadRequest, "reason is required")
			return
		}
		if req.DurationMinutes <= 0 {
			writeError(w, r, http.StatusBadRequest, "duration_minutes must be positive")
			return
		}
		rec, err := a.emergency.RecordOverride(r.Context(), acct.ID, req.Reason, time.Duration(req.DurationMinutes)*time.Minute)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleEmergencyScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/audit/emergency-access/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "review" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureCapability(w, r, identity.CapAuditAccess) {
		return
	}
	acct, _ := identity.AccountFromContext(r.Context())
	if err := a.emergency.Review(r.Context(), parts[0], acct.ID); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureCapability(w, r, identity.CapComplianceReports) {
		return
	}
	q := r.URL.Query()
	dr, err := dateRangeFromStrings(q.Get("range"), q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.reports.Generate(r.Context(), dr)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func parseAuditQuery(q url.Values) (audit.Filters, audit.DateRange, error) {
	var f audit.Filters
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		t, err := audit.ParseEventType(raw)
		if err != nil {
			return f, audit.DateRange{}, err
		}
		f.Type = t
	}
	f.ResourceType = strings.TrimSpace(q.Get("resource_type"))
	f.ResourceID = strings.TrimSpace(q.Get("resource_id"))
	f.Actor = strings.TrimSpace(q.Get("actor"))
	f.IP = strings.TrimSpace(q.Get("ip"))

	dr, err := dateRangeFromStrings(q.Get("range"), q.Get("start"), q.Get("end"))
	if err != nil {
		return f, audit.DateRange{}, err
	}
	return f, dr, nil
}

// dateRangeFromStrings builds a DateRange from either a preset name or a
// custom start/end pair of YYYY-MM-DD dates.
func dateRangeFromStrings(preset, start, end string) (audit.DateRange, error) {
	preset = strings.TrimSpace(preset)
	if preset != "" && preset != "custom" {
		p, err := audit.ParsePreset(preset)
		if err != nil {
			return audit.DateRange{}, err
		}
		return audit.DateRange{Preset: p}, nil
	}
	if strings.TrimSpace(start) == "" && strings.TrimSpace(end) == "" {
		return audit.DateRange{Preset: audit.PresetLast30Days}, nil
	}
	s, err := time.Parse("2006-01-02", strings.TrimSpace(start))
	if err != nil {
		return audit.DateRange{}, audit.ErrInvalidRange
	}
	e, err := time.Parse("2006-01-02", strings.TrimSpace(end))
	if err != nil {
		return audit.DateRange{}, audit.ErrInvalidRange
	}
	// Date-only boundaries cover whole days.
	e = e.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return audit.DateRange{Start: s, End: e}, nil
}
