package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already written; an encode failure can only be dropped.
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

// allowMethod writes 405 and returns false unless r uses one of methods.
func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	return false
}

// decodeError carries the status a body decoding failure maps to.
type decodeError struct {
	status int
	detail string
}

func (e *decodeError) Error() string { return e.detail }

// decodeJSON reads a single JSON object of at most maxBytes into dst.
// Unknown fields are ignored.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &maxErr):
			return &decodeError{http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body must not exceed %d bytes", maxErr.Limit)}
		case errors.Is(err, io.EOF):
			return &decodeError{http.StatusUnprocessableEntity, "Request body is empty"}
		case errors.As(err, &syntaxErr):
			return &decodeError{http.StatusUnprocessableEntity, fmt.Sprintf("Malformed JSON at offset %d", syntaxErr.Offset)}
		case errors.Is(err, io.ErrUnexpectedEOF):
			return &decodeError{http.StatusUnprocessableEntity, "Malformed JSON"}
		case errors.As(err, &typeErr):
			return &decodeError{http.StatusUnprocessableEntity, fmt.Sprintf("Field %q must be of type %s", typeErr.Field, typeErr.Type)}
		default:
			return &decodeError{http.StatusUnprocessableEntity, err.Error()}
		}
	}

	if dec.More() {
		return &decodeError{http.StatusUnprocessableEntity, "Request body must contain a single JSON object"}
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var de *decodeError
	if errors.As(err, &de) {
		writeError(w, de.status, de.detail)
		return
	}
	writeError(w, http.StatusUnprocessableEntity, err.Error())
}
