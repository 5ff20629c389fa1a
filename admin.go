package idempotency

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewAdminHandler exposes the operator-facing surface over coord:
//
//	GET    /records/{key}   record stored for a caller key
//	DELETE /records/{key}   drop a record so the key can be reused
//	GET    /stats           aggregate counts
//	POST   /cleanup         sweep records past their expiry
//
// Keys in the path are caller keys; the configured prefix and scope are
// applied here. Records written by a guard with its own WithScope are
// addressed with ?scope=<name>, which replaces the coordinator's scope.
// Stats and cleanup always cover every scope under the prefix.
// Mount it behind whatever authentication the service uses.
func NewAdminHandler(coord *Coordinator) http.Handler {
	a := &adminAPI{coord: coord}

	r := chi.NewRouter()
	r.Get("/records/{key}", a.getRecord)
	r.Delete("/records/{key}", a.deleteRecord)
	r.Get("/stats", a.stats)
	r.Post("/cleanup", a.cleanup)
	return r
}

type adminAPI struct {
	coord *Coordinator
}

type adminError struct {
	Error string `json:"error"`
}

type cleanupResponse struct {
	Removed int `json:"removed"`
}

// key maps the path key to a cache key, honoring an optional scope override.
func (a *adminAPI) key(w http.ResponseWriter, r *http.Request) (string, bool) {
	cfg := a.coord.Config()
	if scope, set := r.URL.Query()["scope"]; set {
		cfg = cfg.Clone()
		cfg.Scope = scope[0]
		if err := cfg.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, adminError{Error: err.Error()})
			return "", false
		}
	}
	return cfg.Key(chi.URLParam(r, "key")), true
}

func (a *adminAPI) getRecord(w http.ResponseWriter, r *http.Request) {
	key, ok := a.key(w, r)
	if !ok {
		return
	}
	rec, err := a.coord.Get(r.Context(), key)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, adminError{Error: ErrNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *adminAPI) deleteRecord(w http.ResponseWriter, r *http.Request) {
	key, ok := a.key(w, r)
	if !ok {
		return
	}
	ok, err := a.coord.Delete(r.Context(), key)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, adminError{Error: ErrNotFound.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.coord.Stats(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *adminAPI) cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := a.coord.CleanupExpired(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{Removed: removed})
}

func (a *adminAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrUnsupported) {
		writeJSON(w, http.StatusNotImplemented, adminError{Error: err.Error()})
		return
	}
	a.coord.logger.ErrorContext(r.Context(), "idempotency admin request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusServiceUnavailable, adminError{Error: "idempotency store unavailable"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
