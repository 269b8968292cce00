// Package app wires the biostream daemon: config, logging, metrics, the HTTP control API,
// the viewer feed and the transport providers.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"biostream/cmd/internal/authclient"
	"biostream/cmd/internal/companion"
	"biostream/cmd/internal/radio"
	"biostream/cmd/internal/realtime"
	"biostream/cmd/internal/session"
	"biostream/cmd/security/token"

	"github.com/gorilla/mux"
)

// App is the daemon runtime: it owns the controller, its providers and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	metrics *Metrics
	auth    *authclient.Client
	hub     *realtime.Hub
	ws      *realtime.WSGateway
	bridge  *companion.Bridge
	uplink  *realtime.Uplink
	exec    *session.SerialExecutor
	ctl     *session.Controller
	ready   *readiness
	handler http.Handler
}

// Deps overrides collaborators (tests). Nil fields are built from the environment.
type Deps struct {
	Auth      *authclient.Client
	Providers []session.Provider
}

// New constructs a fully wired App from config, logger and the package configs in the environment.
func New(cfg Config, log Logger) (*App, error) {
	return NewWithDeps(cfg, log, Deps{})
}

// NewWithDeps is New with injectable collaborators.
func NewWithDeps(cfg Config, log Logger, deps Deps) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: NewMetrics(),
		ready:   &readiness{},
	}

	a.auth = deps.Auth
	if a.auth == nil {
		authCfg, err := authclient.LoadConfigFromEnv()
		if err != nil {
			return nil, err
		}
		a.auth = authclient.New(log, authCfg, nil)
	}

	a.hub = realtime.NewHub(log, a.metrics)
	a.ws = realtime.NewWSGateway(log, a.hub, realtime.LoadGatewayConfigFromEnv("BIOSTREAM_WS", realtime.DefaultGatewayConfig()))

	providers := deps.Providers
	if providers == nil {
		built, err := a.buildProviders()
		if err != nil {
			return nil, err
		}
		providers = built
	}

	a.exec = session.NewSerialExecutor(cfg.DeliveryQueue)
	ctl, err := session.NewController(log, session.Options{
		Executor:      a.exec,
		OnStateChange: a.onStateChange,
		OnDrop: func(t session.Transport, _ session.SensorUpdate) {
			a.metrics.Dropped(t)
		},
	}, providers...)
	if err != nil {
		a.exec.Close()
		return nil, err
	}
	a.ctl = ctl

	api := &controlAPI{
		log:     log,
		ctl:     ctl,
		auth:    a.auth,
		hub:     a.hub,
		metrics: a.metrics,
		userID:  cfg.UserID,
	}

	r := mux.NewRouter()
	var companionHandler http.Handler
	if a.bridge != nil {
		companionHandler = a.bridge
	}
	registerHTTP(r, api, a.ready, a.metrics, a.ws, companionHandler)
	a.handler = WithRecover(WithRequestLogging(WithSecurityHeaders(WithCORS(r, cfg, log)), log), log)

	return a, nil
}

func (a *App) buildProviders() ([]session.Provider, error) {
	radioCfg, err := radio.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	uplinkCfg, err := realtime.LoadUplinkConfigFromEnv()
	if err != nil {
		return nil, err
	}
	companionCfg, err := companion.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	a.uplink = realtime.NewUplink(a.log, uplinkCfg)
	a.bridge = companion.NewBridge(a.log, companionCfg)

	return []session.Provider{
		realtime.WithUplink(radio.New(a.log, radioCfg, nil), a.uplink),
		a.bridge,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Controller exposes the session controller.
func (a *App) Controller() *session.Controller { return a.ctl }

func (a *App) onStateChange(t session.Transport, st session.State, dev session.DeviceDescriptor) {
	a.metrics.StateChanged(t, st)
	a.hub.PublishState(t, st, dev)
}

// Bootstrap fetches the SDK token when developer credentials are configured and records
// the outcome for readiness. A failed fetch is logged, not fatal.
func (a *App) Bootstrap(ctx context.Context) error {
	creds := a.auth.Credentials()
	if !creds.Valid() {
		a.log.Info("bootstrap.sdk_token.skip", "reason", "no_credentials")
		a.ready.done(false, nil)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, nonZeroDuration(a.cfg.BootstrapTimeout, 10*time.Second))
	defer cancel()

	tok, err := a.auth.FetchSDKToken(ctx, creds)
	a.metrics.TokenFetched(authclient.EndpointSDK, err)
	a.ready.done(true, err)
	if err != nil {
		a.log.Warn("bootstrap.sdk_token.fail", "err", err)
		return err
	}
	a.log.Info("bootstrap.sdk_token.ok", "token_fp", token.Fingerprint(tok.Token))
	return nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"uplink", a.uplink.Enabled(),
		"companion", a.bridge != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() { _ = a.Bootstrap(ctx) }()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	a.Close()

	a.log.Info("server.stopped")
	return err
}

// Close disconnects every transport and stops background delivery.
func (a *App) Close() {
	if err := a.ctl.Close(); err != nil {
		a.log.Warn("controller.close.fail", "err", err)
	}
	if a.uplink != nil {
		_ = a.uplink.Close()
	}
	a.exec.Close()
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
