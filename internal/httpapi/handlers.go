package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"carebridge.org/internal/audit"
	"carebridge.org/internal/identity"
	"carebridge.org/internal/session"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

// handleIdentityError maps a domain error to its HTTP status. Authentication
// failures deliberately carry no detail beyond the generic message.
func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	var notActive *identity.AccountNotActiveError
	switch {
	case errors.Is(err, identity.ErrAuthentication), errors.Is(err, identity.ErrTwoFactorInvalid):
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, session.ErrInvalid):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
	case errors.Is(err, session.ErrChallengeExpired):
		writeError(w, r, http.StatusUnauthorized, "challenge expired")
	case errors.As(err, &notActive):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission denied")
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, identity.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "account already exists")
	case errors.Is(err, identity.ErrConflict), errors.Is(err, audit.ErrJobNotCancellable):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrInvalidInput), errors.Is(err, audit.ErrInvalidRange):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
