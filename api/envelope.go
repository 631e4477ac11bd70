package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/logger"
)

// Meta accompanies every response.
type Meta struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, r, status, envelope{Success: true, Data: data})
}

// writeError maps any error through the taxonomy; raw internals never reach
// the wire.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errs.From(err)
	if e.Code == errs.CodeInternal {
		logger.Errorw("request failed",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path, "error", err)
	}
	writeEnvelope(w, r, e.Status(), envelope{
		Success: false,
		Error:   &ErrorBody{Code: e.Code, Message: e.Message, Details: e.Details},
	})
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env envelope) {
	env.Meta = Meta{
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// decodeJSON reads a request body into dst, rejecting unknown garbage early.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errs.Validation("malformed JSON body")
	}
	return nil
}
