package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/authrim/authrim/authcode"
	"github.com/authrim/authrim/client"
	"github.com/authrim/authrim/devicecode"
	"github.com/authrim/authrim/dpop"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/health"
	"github.com/authrim/authrim/internal/log"
	"github.com/authrim/authrim/internal/metrics"
	"github.com/authrim/authrim/introspect"
	"github.com/authrim/authrim/keymanager"
	"github.com/authrim/authrim/par"
	"github.com/authrim/authrim/refreshfamily"
	"github.com/authrim/authrim/revoke"
	"github.com/authrim/authrim/scim/resource"
	"github.com/authrim/authrim/server"
	"github.com/authrim/authrim/token"
)

func commandServe() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [flags] config.yaml",
		Short: "Run the authrim server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(args[0])
		},
	}
}

// serverRunner pairs one *http.Server with a run.Group execute/interrupt
// pair, grounded on the teacher's cmd/dex serve.go serverRunner — it adds
// the graceful-shutdown dance that plain http.Server.ListenAndServe
// doesn't give you for free.
type serverRunner struct {
	name   string
	srv    *http.Server
	logger log.Logger
}

func newServerRunner(name string, srv *http.Server, logger log.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) addTo(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", s.name, s.srv.Addr, err)
	}
	gr.Add(func() error {
		s.logger.Infof("listening (%s) on %s", s.name, s.srv.Addr)
		return s.srv.Serve(listener)
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.logger.Debugf("starting graceful shutdown (%s)", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Errorf("graceful shutdown (%s): %v", s.name, err)
		}
	})
	return nil
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	rawLogger := buildLogrus(cfg.Logger)
	logger := log.NewLogrusLogger(rawLogger)
	logger.Infof("config issuer: %s", cfg.Issuer)

	store, err := buildStorage(cfg.Storage, rawLogger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	backend := buildEphemeral(cfg.Ephemeral)

	ctx := context.Background()
	connectors, err := buildConnectors(ctx, cfg.Connectors)
	if err != nil {
		return err
	}
	defaultConnector := ""
	if len(cfg.Connectors) > 0 {
		defaultConnector = cfg.Connectors[0].ID
	}

	auditSink := audit.NewLogSink(logger)

	keys := keymanager.New(store, auditSink, logger, cfg.SigningKey.RotationFrequency, cfg.SigningKey.OverlapWindow)
	keys.Start(ctx)

	tokens := token.New(keys, cfg.Issuer, cfg.Expiry.AccessToken, cfg.Expiry.IDToken)
	clients := client.New(store)
	authCodes := authcode.New(backend, auditSink, cfg.Expiry.AuthCode)
	pars := par.New(backend, cfg.Expiry.PARRequest)
	devices := devicecode.New(backend, cfg.Expiry.DeviceCode, 5*time.Second)
	refresh := refreshfamily.New(backend, auditSink, cfg.Expiry.RefreshToken)
	dpopVerifier := dpop.New(backend, cfg.DPoP.ProofMaxAge)
	introspectSvc := introspect.New(clients, tokens, refresh, backend)
	revokeSvc := revoke.New(clients, tokens, refresh, backend, auditSink)
	scimSvc := resource.New(store, auditSink)

	healthChecker, err := health.New(map[string]health.Pinger{
		"storage":   store,
		"ephemeral": ephemeralPinger{backend},
	}, 30*time.Second)
	if err != nil {
		return fmt.Errorf("building health checker: %w", err)
	}
	defer healthChecker.Deregister()

	srv, err := server.New(server.Config{
		IssuerURL:        cfg.Issuer,
		Storage:          store,
		Clients:          clients,
		Keys:             keys,
		Tokens:           tokens,
		AuthCodes:        authCodes,
		PAR:              pars,
		Devices:          devices,
		Refresh:          refresh,
		DPoP:             dpopVerifier,
		Introspect:       introspectSvc,
		Revoke:           revokeSvc,
		SCIM:             scimSvc,
		Health:           healthChecker,
		Connectors:       connectors,
		DefaultConnector: defaultConnector,
		Audit:            auditSink,
		Logger:           logger,
		ScopesSupported:  []string{"openid", "profile", "email", "offline_access"},
	})
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	registry := metrics.Registry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	var gr run.Group

	httpSrv := &http.Server{Addr: cfg.Web.HTTP, Handler: srv.Handler()}
	if err := newServerRunner("http", httpSrv, logger).addTo(&gr); err != nil {
		return err
	}

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	telemetrySrv := &http.Server{Addr: "127.0.0.1:5558", Handler: telemetryRouter}
	if err := newServerRunner("telemetry", telemetrySrv, logger).addTo(&gr); err != nil {
		return err
	}

	gr.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	return gr.Run()
}
