package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

func JSONHandler(h func(http.ResponseWriter, *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := h(w, r)
		if err != nil {
			handlePortalError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// withBody decodes the JSON body into T, validates it and hands it to next.
func withBody[T any](
	validate func(*T) error,
	next func(w http.ResponseWriter, r *http.Request, req *T),
) http.HandlerFunc {
	return decodeBody(false, validate, next)
}

// withOptionalBody is withBody where a missing body decodes to the zero T.
func withOptionalBody[T any](
	validate func(*T) error,
	next func(w http.ResponseWriter, r *http.Request, req *T),
) http.HandlerFunc {
	return decodeBody(true, validate, next)
}

func decodeBody[T any](
	optional bool,
	validate func(*T) error,
	next func(w http.ResponseWriter, r *http.Request, req *T),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var req T
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if !optional || !errors.Is(err, io.EOF) {
				http.Error(w, "invalid JSON payload", http.StatusBadRequest)
				return
			}
		}

		if validate != nil {
			if err := validate(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		next(w, r, &req)
	}
}

// handlePortalError maps a broker error to an HTTP status.
func handlePortalError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, portal.ErrInvalidSession):
		status = http.StatusNotFound
	case errors.Is(err, portal.ErrInvalidRequest), errors.Is(err, portal.ErrStaleGeneration):
		status = http.StatusBadRequest
	case errors.Is(err, portal.ErrInvalidState), errors.Is(err, portal.ErrAlreadyConnected):
		status = http.StatusConflict
	case errors.Is(err, portal.ErrUnsupported):
		status = http.StatusNotImplemented
	default:
		logger.Error("[api] %v", err)
	}
	http.Error(w, err.Error(), status)
}
