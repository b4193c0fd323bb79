package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"wequi-guard/pkg/policy"
)

// envelope is the single success shape of every JSON endpoint.
type envelope struct {
	SchemaVersion int         `json:"schema_version"`
	Data          any         `json:"data"`
	Pagination    *Pagination `json:"pagination,omitempty"`
}

// Pagination accompanies list results. Total ignores limit and offset.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	SchemaVersion int    `json:"schema_version"`
	Error         string `json:"error"`
	Code          int    `json:"code"`
	Message       string `json:"message,omitempty"`
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode JSON response", "component", "api", "error", err)
	}
}

func (s *Server) writeData(w http.ResponseWriter, statusCode int, data any) {
	s.writeJSON(w, statusCode, envelope{SchemaVersion: SchemaVersion, Data: data})
}

func (s *Server) writePage(w http.ResponseWriter, data any, p Pagination) {
	s.writeJSON(w, http.StatusOK, envelope{SchemaVersion: SchemaVersion, Data: data, Pagination: &p})
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{
		SchemaVersion: SchemaVersion,
		Error:         http.StatusText(statusCode),
		Code:          statusCode,
		Message:       message,
	})
}

// writeStoreError maps policy store errors to statuses. Anything it does not
// recognize is logged and reported as a 500 without detail.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case policy.IsValidation(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case policy.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, err.Error())
	case policy.IsConflict(err):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrStoreNotLoaded):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "Policy store operation failed",
			"component", "api",
			"path", r.URL.Path,
			"error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
