package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"shield/cmd/internal/domain"
)

// apiError is the body of every non-2xx answer. Field names the offending
// input for validation failures.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeDomainError maps the domain error taxonomy to HTTP. Anything outside
// it is reported as internal without leaking the message.
func writeDomainError(w http.ResponseWriter, err error) {
	var cv domain.ConfigValidationError
	switch {
	case errors.As(err, &cv):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: apiError{
			Code: "invalid_config", Message: cv.Error(), Field: cv.Field,
		}})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrClassifierTimeout):
		writeError(w, http.StatusGatewayTimeout, "classifier_timeout", err.Error())
	case errors.Is(err, domain.ErrCapacity):
		writeError(w, http.StatusServiceUnavailable, "event_log_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

var errEmptyBody = errors.New("request body is empty")

// writeDecodeError answers a failed decodeJSON: oversized bodies get 413.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
}

// decodeJSON reads exactly one JSON object of at most maxBytes with no unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("extra data after JSON object")
	}
	return nil
}
