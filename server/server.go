// Package server wires the already-built engine packages (client, keymanager,
// token, authcode, par, devicecode, introspect, revoke, refreshfamily, dpop,
// scim/resource) to an HTTP surface with github.com/gorilla/mux and
// github.com/gorilla/handlers, grounded on the teacher's server/server.go
// router assembly (SkipClean/UseEncodedPath, the handleWithCORS/handleFunc
// closures, request-scoped logging via a wrapping handler). Route handlers
// are thin: they decode the request, call straight into an engine method,
// and serialize the result, per SPEC_FULL.md §1's "HTTP routing/glue as a
// generic framework concern is out of scope, but the engines still expose
// operations an HTTP layer calls."
package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/authrim/authrim/authcode"
	"github.com/authrim/authrim/client"
	"github.com/authrim/authrim/connector"
	"github.com/authrim/authrim/devicecode"
	"github.com/authrim/authrim/dpop"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/health"
	"github.com/authrim/authrim/internal/log"
	"github.com/authrim/authrim/introspect"
	"github.com/authrim/authrim/keymanager"
	"github.com/authrim/authrim/par"
	"github.com/authrim/authrim/refreshfamily"
	"github.com/authrim/authrim/revoke"
	"github.com/authrim/authrim/scim/resource"
	"github.com/authrim/authrim/storage"
	"github.com/authrim/authrim/token"
)

// Config aggregates every dependency the HTTP surface calls into. One
// instance is built once at process start (see cmd/authrim) and handed to
// New.
type Config struct {
	IssuerURL string

	Storage   storage.Storage
	Clients   *client.Registry
	Keys      *keymanager.Manager
	Tokens    *token.Engine
	AuthCodes *authcode.Store
	PAR       *par.Store
	Devices   *devicecode.Store
	Refresh   *refreshfamily.Store
	DPoP      *dpop.Verifier
	Introspect *introspect.Service
	Revoke     *revoke.Service
	SCIM       *resource.Service
	Health     *health.Checker

	// Connectors federates resource-owner authentication, keyed by name
	// (spec.md §12). DefaultConnector is used by /authorize when the
	// request does not name one explicitly.
	Connectors       map[string]connector.Connector
	DefaultConnector string

	Audit  audit.Sink
	Logger log.Logger

	// AllowedOrigins/AllowedHeaders configure CORS on the discovery,
	// token, userinfo, and JWKS endpoints, mirroring the teacher's
	// handleWithCORS.
	AllowedOrigins []string
	AllowedHeaders []string

	ScopesSupported []string
}

// Server is the HTTP surface. It implements http.Handler.
type Server struct {
	cfg Config
	mux *mux.Router
}

// New builds the router and registers every route named in spec.md §6.
func New(cfg Config) (*Server, error) {
	s := &Server{cfg: cfg}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.NotFoundHandler = http.NotFoundHandler()

	withCORS := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if len(cfg.AllowedOrigins) > 0 {
			cors := handlers.CORS(
				handlers.AllowedOrigins(cfg.AllowedOrigins),
				handlers.AllowedHeaders(cfg.AllowedHeaders),
			)
			handler = cors(handler)
		}
		return handler
	}

	r.Handle("/.well-known/openid-configuration", withCORS(s.handleDiscovery)).Methods(http.MethodGet)
	r.Handle("/.well-known/jwks.json", withCORS(s.handleJWKS)).Methods(http.MethodGet)
	r.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodGet, http.MethodPost)
	r.Handle("/token", withCORS(s.handleToken)).Methods(http.MethodPost)
	r.Handle("/userinfo", withCORS(s.handleUserInfo)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/introspect", s.handleIntrospect).Methods(http.MethodPost)
	r.HandleFunc("/revoke", s.handleRevoke).Methods(http.MethodPost)
	r.HandleFunc("/par", s.handlePAR).Methods(http.MethodPost)
	r.HandleFunc("/device_authorization", s.handleDeviceAuthorization).Methods(http.MethodPost)
	r.HandleFunc("/device", s.handleDeviceVerify).Methods(http.MethodGet, http.MethodPost)

	s.registerSCIMRoutes(r)
	s.registerAdminRoutes(r)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	s.mux = r
	return s, nil
}

// ServeHTTP satisfies http.Handler, routing every request through the
// request-ID middleware before the mux dispatches it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	withRequestID(s.mux).ServeHTTP(w, r)
}

// Handler wraps the server with the standard gorilla/handlers middleware
// chain (combined access logging, panic recovery), the same pairing the
// teacher's cmd/dex serve.go applies around its own mux.
func (s *Server) Handler() http.Handler {
	return handlers.CombinedLoggingHandler(logWriter{s.cfg.Logger}, handlers.RecoveryHandler()(s))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil && !s.cfg.Health.Healthy() {
		http.Error(w, "health check failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// requestIDKey is the context key the request-ID middleware stores under,
// mirroring the teacher's server/middleware.go WithRequestID pattern but
// backed by google/uuid rather than a hand-rolled random-string generator.
type contextKey string

const requestIDKey contextKey = "request_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := contextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logWriter adapts internal/log.Logger to io.Writer for
// handlers.CombinedLoggingHandler's access-log output.
type logWriter struct{ l log.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.l.Info(string(p))
	return len(p), nil
}
