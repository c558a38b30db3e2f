package server

import (
	"net/http"

	"github.com/MrWong99/spotters/internal/observe"
)

// HubPath is where overlays subscribe to volume events.
const HubPath = "/hub/audio"

// Registrar adds its routes to a mux.
type Registrar interface {
	Register(mux *http.ServeMux)
}

// Routes collects the handlers mounted by [NewRouter]. Nil fields are
// skipped.
type Routes struct {
	// Hub serves the broadcast subscription endpoint.
	Hub http.Handler

	// Metrics serves the Prometheus scrape endpoint.
	Metrics http.Handler

	// Registrars mount their own routes (spotter endpoints, health probes).
	Registrars []Registrar

	// Development exposes panic values in 500 responses.
	Development bool
}

// NewRouter builds the HTTP handler chain: tracing and request metrics
// outermost, then panic recovery, then the mux. A nil m records to
// [observe.DefaultMetrics].
func NewRouter(rt Routes, m *observe.Metrics) http.Handler {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	mux := http.NewServeMux()
	for _, r := range rt.Registrars {
		if r != nil {
			r.Register(mux)
		}
	}
	if rt.Hub != nil {
		mux.Handle("GET "+HubPath, rt.Hub)
	}
	if rt.Metrics != nil {
		mux.Handle("GET /metrics", rt.Metrics)
	}

	var h http.Handler = mux
	h = Recover(rt.Development)(h)
	return observe.Middleware(m)(h)
}
