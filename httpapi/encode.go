package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitchlane/flow/engine/catalog"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/store"
)

// maxBodyBytes caps request bodies. Workflow inputs and event payloads are
// JSON documents, not uploads.
const maxBodyBytes = 1 << 20

type (
	// errorBody is the transport envelope for every non-2xx response.
	errorBody struct {
		Error errorDetail `json:"error"`
	}

	errorDetail struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		// InstanceID names the existing instance on idempotency-key
		// conflicts.
		InstanceID string `json:"instanceId,omitempty"`
	}
)

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return faults.Validationf("decode request body: %v", err)
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may legitimately be
// absent, like cancellations without a reason.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return faults.Validationf("decode request body: %v", err)
}

// writeError maps err onto a transport status and the error envelope. The
// sentinels take precedence over the fault taxonomy: KindOf classifies
// unrecognised errors as permanent, which must not shadow a not-found or
// conflict from the store.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	detail := errorDetail{Kind: kind, Message: err.Error()}
	var dup *store.DuplicateKeyError
	if errors.As(err, &dup) {
		detail.InstanceID = dup.ExistingID
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
	}
	respond(w, status, errorBody{Error: detail})
}

func classify(err error) (int, string) {
	var dup *store.DuplicateKeyError
	switch {
	case errors.As(err, &dup):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrTerminal):
		return http.StatusConflict, "terminal"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	}
	switch kind := faults.KindOf(err); kind {
	case faults.KindValidation, faults.KindGuard:
		return http.StatusBadRequest, string(kind)
	}
	return http.StatusInternalServerError, "internal"
}

// param returns the named chi URL parameter, failing as a validation fault
// when empty so no route operates on a blank identifier.
func param(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if v == "" {
		return "", faults.Validationf("missing %s", name)
	}
	return v, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, faults.Validationf("query parameter %q is required", name)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, faults.Validationf("query parameter %q: %v", name, err)
	}
	return t, nil
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, faults.Validationf("query parameter %q: %v", name, err)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, faults.Validationf("query parameter %q: %v", name, err)
	}
	return v, nil
}
