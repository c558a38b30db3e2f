// Package problem writes HTTP error responses as RFC 7807 problem details.
package problem

import (
	"encoding/json"
	"net/http"

	"github.com/MrWong99/spotters/internal/observe"
)

// ContentType is the media type of problem detail responses.
const ContentType = "application/problem+json"

// Details is an RFC 7807 problem details object.
type Details struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// TraceID correlates the response with server logs.
	TraceID string `json:"traceId,omitempty"`
}

// New returns problem details for status with the standard status text as
// title.
func New(status int, detail string) Details {
	return Details{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// Write sends a problem response for status. The request path becomes the
// instance and the trace ID of r's context is attached when present.
func Write(w http.ResponseWriter, r *http.Request, status int, detail string) {
	p := New(status, detail)
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = observe.CorrelationID(r.Context())
	}
	WriteDetails(w, p)
}

// WriteDetails sends p with its status code.
func WriteDetails(w http.ResponseWriter, p Details) {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
