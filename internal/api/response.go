package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxBodySize caps request bodies. SMA invocations are a few kilobytes.
const maxBodySize = 1 << 20

// envelope is the standard API response wrapper.
// All admin JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// writeRaw writes v without the envelope. The call platform and the
// contact-center flow expect their own response shapes.
func writeRaw(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// readJSON decodes the request body into v. It returns a client-facing
// error message, or "" on success.
func readJSON(r *http.Request, v any) string {
	body, errMsg := readBody(r)
	if errMsg != "" {
		return errMsg
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Sprintf("invalid request body: %v", err)
	}
	return ""
}

// readOptionalJSON is readJSON for endpoints whose body may be omitted. An
// empty body leaves v untouched. Content-Length is not consulted, so chunked
// requests with no body are treated as empty.
func readOptionalJSON(r *http.Request, v any) string {
	body, errMsg := readLimited(r)
	if errMsg != "" || len(body) == 0 {
		return errMsg
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Sprintf("invalid request body: %v", err)
	}
	return ""
}

// readBody reads a size-limited, non-empty request body.
func readBody(r *http.Request) ([]byte, string) {
	body, errMsg := readLimited(r)
	if errMsg != "" {
		return nil, errMsg
	}
	if len(body) == 0 {
		return nil, "request body is required"
	}
	return body, ""
}

func readLimited(r *http.Request) ([]byte, string) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, ""
	}
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "request body too large"
		}
		return nil, "failed to read request body"
	}
	return body, ""
}
