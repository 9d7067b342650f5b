package api

import (
	"github.com/gorilla/mux"
	"github.com/psantana5/qrbatch/pkg/metrics"
	"github.com/psantana5/qrbatch/pkg/ratelimit"
	"github.com/psantana5/qrbatch/pkg/tracing"
)

// RouterOptions selects the middleware wrapped around the API
type RouterOptions struct {
	Metrics *metrics.Recorder
	Limiter *ratelimit.Limiter
	Tracing bool
}

// NewRouter builds the full HTTP surface: job routes, /health and /metrics.
// Rate limiting covers everything except /metrics.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", opts.Metrics.Handler()).Methods("GET")

	api := r.NewRoute().Subrouter()
	if opts.Tracing {
		api.Use(tracing.HTTPMiddleware)
	}
	api.Use(opts.Metrics.Middleware)
	if opts.Limiter != nil {
		api.Use(opts.Limiter.Middleware(ratelimit.IPKeyFunc))
	}
	h.RegisterRoutes(api)
	return r
}
