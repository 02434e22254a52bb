// Package httpapi is the engine's HTTP control plane: admission, event
// publishing, reviewer decisions, and the inspector's read and repair verbs
// exposed as JSON endpoints on a chi router. Handlers are thin mappings onto
// the engine's public surface; engine errors translate to transport codes
// through the fault taxonomy and the store sentinels, so a validation fault
// is a 400, a missing instance a 404, and a conflicting or sealed log a 409.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/debug"
	"goa.design/clue/health"

	"github.com/pitchlane/flow/engine"
	"github.com/pitchlane/flow/engine/telemetry"
)

type (
	// Server serves the control plane for one engine. It implements
	// http.Handler; wrap it with the log and debug middleware at the
	// daemon's discretion.
	Server struct {
		engine  *engine.Engine
		logger  telemetry.Logger
		pingers []health.Pinger
		debug   bool
		router  chi.Router
	}

	// Option configures a Server.
	Option func(*Server)
)

// WithLogger sets the logger used for handler-level failures. Defaults to a
// no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPingers registers backend health pingers aggregated by the /healthz
// endpoint. Without any pinger the endpoint reports bare liveness.
func WithPingers(pingers ...health.Pinger) Option {
	return func(s *Server) { s.pingers = append(s.pingers, pingers...) }
}

// WithDebugEndpoints mounts the pprof handlers under /debug/pprof and the
// debug log toggle under /debug.
func WithDebugEndpoints() Option {
	return func(s *Server) { s.debug = true }
}

// New builds the control plane router for eng.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: eng,
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	if s.debug {
		debug.MountPprofHandlers(chiMuxer{r})
		debug.MountDebugLogEnabler(chiMuxer{r})
	}

	r.Get("/healthz", health.Handler(health.NewChecker(s.pingers...)))
	r.Get("/livez", s.livez)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/workflows/{instanceID}", func(r chi.Router) {
			r.Get("/", s.getInstance)
			r.Get("/journal", s.getJournal)
			r.Get("/timeline", s.getTimeline)
			r.Get("/compare", s.compareInstances)
			r.Get("/state-at", s.getStateAt)
			r.Post("/events", s.publishToInstance)
			r.Post("/cancel", s.cancelInstance)
			r.Post("/approvals/{scope}", s.respondReview)
			r.Post("/snapshots", s.takeSnapshot)
			r.Get("/snapshots", s.listSnapshots)
			r.Post("/force-timeout", s.forceTimeout)
			r.Post("/force-cancel", s.forceCancel)
			r.Post("/force-fail", s.forceFail)
			r.Post("/migrate", s.migrateInstance)
		})
		// Registered after the instance subrouter: chi's Route/Mount claims
		// every method on the bare {param} node, so the admission POST must
		// land afterwards to take back that one method.
		r.Post("/workflows/{kind}", s.createInstance)
		r.Post("/events", s.publishEvent)
		r.Post("/snapshots/{snapshotID}/restore", s.restoreSnapshot)
		r.Get("/dlq", s.listDLQ)
		r.Get("/dlq/stats", s.dlqStats)
		r.Post("/dlq/{instanceID}/retry", s.retryDLQ)
		r.Delete("/dlq", s.purgeDLQ)
		r.Get("/stuck", s.listStuck)
		r.Get("/kinds", s.listKinds)
	})

	return r
}

func (s *Server) livez(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// chiMuxer adapts a chi router to the muxer contract the clue debug mounts
// expect.
type chiMuxer struct{ r chi.Router }

func (m chiMuxer) HandleFunc(pattern string, h func(http.ResponseWriter, *http.Request)) {
	m.r.HandleFunc(pattern, h)
}

func (m chiMuxer) Handle(pattern string, h http.Handler) {
	m.r.Handle(pattern, h)
}

func (m chiMuxer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.r.ServeHTTP(w, r)
}
