package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"carebridge.org/internal/identity"
)

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	acct, ok := identity.AccountFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) handleRenewConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	acct, ok := identity.AccountFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.lifecycle.RenewConsent(r.Context(), acct.ID); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAccountScoped routes /v1/accounts/{id} and its lifecycle actions.
// Every route here is an administrative surface behind user_management.
func (a *API) handleAccountScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/accounts/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if !a.ensureCapability(w, r, identity.CapUserManagement) {
		return
	}

	parts := strings.Split(path, "/")
	id := parts[0]
	switch len(parts) {
	case 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		acct, err := a.svc.Account(r.Context(), id)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, acct)
	case 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.handleLifecycleAction(w, r, id, parts[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleLifecycleAction(w http.ResponseWriter, r *http.Request, id, action string) {
	var err error
	switch action {
	case "approve":
		err = a.lifecycle.Approve(r.Context(), id)
	case "reject":
		err = a.lifecycle.Reject(r.Context(), id)
	case "lock":
		err = a.lifecycle.Lock(r.Context(), id)
	case "unlock":
		err = a.lifecycle.Unlock(r.Context(), id)
	case "deactivate":
		err = a.lifecycle.Deactivate(r.Context(), id)
	case "reactivate":
		err = a.lifecycle.Reactivate(r.Context(), id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	acct, err := a.svc.Account(r.Context(), id)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ensureCapability resolves the caller's capability or writes the refusal.
func (a *API) ensureCapability(w http.ResponseWriter, r *http.Request, cap identity.Capability) bool {
	acct, ok := identity.AccountFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if err := a.resolver.Require(acct, cap); err != nil {
		if errors.Is(err, identity.ErrPermissionDenied) {
			writeError(w, r, http.StatusForbidden, "permission denied")
		} else {
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return false
	}
	return true
}
