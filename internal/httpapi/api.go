// Package httpapi is the HTTP surface of the portal identity service. It
// owns routing, authentication middleware and the mapping from domain
// errors to status codes; all business rules live below it.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/redis/go-redis/v9"

	"carebridge.org/internal/audit"
	"carebridge.org/internal/identity"
	"carebridge.org/internal/obs"
	"carebridge.org/internal/report"
)

// ReadyProbe checks the dependencies a request would touch.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux

	svc       *identity.Service
	lifecycle *identity.Lifecycle
	twoFactor *identity.TwoFactor
	resolver  *identity.Resolver
	queries   *audit.QueryEngine
	exporter  *audit.Exporter
	emergency *audit.EmergencyLog
	reports   *report.Generator

	readyProbe ReadyProbe
	version    string
}

// Deps bundles the services the API exposes.
type Deps struct {
	Service   *identity.Service
	Lifecycle *identity.Lifecycle
	TwoFactor *identity.TwoFactor
	Resolver  *identity.Resolver
	Queries   *audit.QueryEngine
	Exporter  *audit.Exporter
	Emergency *audit.EmergencyLog
	Reports   *report.Generator
}

func New(deps Deps, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        deps.Service,
		lifecycle:  deps.Lifecycle,
		twoFactor:  deps.TwoFactor,
		resolver:   deps.Resolver,
		queries:    deps.Queries,
		exporter:   deps.Exporter,
		emergency:  deps.Emergency,
		reports:    deps.Reports,
		readyProbe: rp,
		version:    version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/2fa/verify", a.handleTwoFactorVerify)
	a.mux.HandleFunc("/v1/auth/2fa/setup", a.handleTwoFactorSetup)
	a.mux.HandleFunc("/v1/auth/2fa/confirm", a.handleTwoFactorConfirm)
	a.mux.HandleFunc("/v1/auth/2fa/disable", a.handleTwoFactorDisable)
	a.mux.HandleFunc("/v1/auth/password/change", a.handlePasswordChange)
	a.mux.HandleFunc("/v1/auth/password/forgot", a.handlePasswordForgot)
	a.mux.HandleFunc("/v1/auth/password/reset", a.handlePasswordReset)

	a.mux.HandleFunc("/v1/accounts/me", a.handleMe)
	a.mux.HandleFunc("/v1/accounts/me/consent", a.handleRenewConsent)
	a.mux.HandleFunc("/v1/accounts/", a.handleAccountScoped)

	a.mux.HandleFunc("/v1/audit/events", a.handleAuditEvents)
	a.mux.HandleFunc("/v1/audit/export", a.handleAuditExport)
	a.mux.HandleFunc("/v1/audit/export/", a.handleAuditExportScoped)
	a.mux.HandleFunc("/v1/audit/emergency-access", a.handleEmergencyAccess)
	a.mux.HandleFunc("/v1/audit/emergency-access/", a.handleEmergencyScoped)

	a.mux.HandleFunc("/v1/reports/compliance", a.handleComplianceReport)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 20, 10)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "carebridge-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
