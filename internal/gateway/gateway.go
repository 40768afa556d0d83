// ABOUTME: Gateway orchestrator that wires store, device, persistence and sessions together
// ABOUTME: Runs the HTTP/WebSocket server, optional gRPC health server and optional tailnet listener

package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/linksync/internal/config"
	"github.com/2389/linksync/internal/dispatch"
	"github.com/2389/linksync/internal/modem"
	"github.com/2389/linksync/internal/persist"
	"github.com/2389/linksync/internal/session"
	"github.com/2389/linksync/internal/settings"
)

// healthService is the gRPC health service name reported alongside "".
const healthService = "linksync"

// Gateway orchestrates the linksync server components.
type Gateway struct {
	config      *config.Config
	store       *settings.Store
	persist     persist.Adapter
	sessions    *session.Server
	dispatcher  *dispatch.Dispatcher
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// cancel stops in-flight message handling on shutdown
	cancel context.CancelFunc
}

// openPersistence creates the configured persistence backend.
func openPersistence(cfg *config.Config, logger *slog.Logger) (persist.Adapter, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return persist.NewSQLiteAdapter(cfg.Storage.DatabasePath, cfg.Storage.UploadsDir, logger)
	default:
		return persist.NewFileAdapter(cfg.Storage.DataDir, cfg.Storage.UploadsDir, logger), nil
	}
}

// tabKey returns the storage key of a tab name for the configured backend.
// SQLite rows are keyed by the exact name.
func tabKey(backend string) func(string) string {
	if backend == "sqlite" {
		return nil
	}
	return persist.FileName
}

// newExecutor creates the configured device executor.
func newExecutor(cfg config.ModemConfig, logger *slog.Logger) modem.Executor {
	if cfg.Backend == "http" {
		return modem.NewHTTPExecutor(cfg.URL, &http.Client{}, logger)
	}
	return modem.NewSimulated(cfg.Latency, logger)
}

func sessionOptions(cfg config.SessionConfig) session.Options {
	opts := session.DefaultOptions()
	opts.SendBuffer = cfg.SendBuffer
	opts.RateLimit = cfg.RateLimit
	opts.RateBurst = cfg.RateBurst
	opts.PingInterval = cfg.PingInterval
	opts.ReadTimeout = cfg.ReadTimeout
	opts.MaxMessageBytes = cfg.MaxMessageBytes
	return opts
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// New creates a gateway: it restores persisted settings over the built-in
// defaults and wires every component. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store := settings.NewDefault(settings.WithValidation(cfg.Settings.ValidateValues))

	adapter, err := openPersistence(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening persistence: %w", err)
	}
	if err := persist.Restore(context.Background(), adapter, store, logger.With("component", "restore")); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("restoring settings: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := session.NewRegistry(logger)
	dispatcher := dispatch.New(store, newExecutor(cfg.Modem, logger), adapter, registry, dispatch.Options{
		Timeout:       cfg.Modem.Timeout,
		RejectUnknown: cfg.Settings.RejectUnknownMessages,
		TabKey:        tabKey(cfg.Storage.Backend),
	}, logger)

	gw := &Gateway{
		config:     cfg,
		store:      store,
		persist:    adapter,
		sessions:   session.NewServer(ctx, registry, dispatcher, sessionOptions(cfg.Session), logger),
		dispatcher: dispatcher,
		health:     health.NewServer(),
		logger:     logger.With("component", "gateway"),
		cancel:     cancel,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer = createGRPCServer(gw.health)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway initialized",
		"tabs", store.Len(),
		"storage", cfg.Storage.Backend,
		"modem", cfg.Modem.Backend,
	)
	return gw, nil
}

// Handler returns the HTTP routes served by the gateway.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(g.config.Server.WSPath, g.sessions)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /api/snapshot", g.handleSnapshot)
	return mux
}

// Store returns the live settings store.
func (g *Gateway) Store() *settings.Store { return g.store }

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String(), "ws_path", g.config.Server.WSPath)
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "linksync", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners on
// the tailnet. gRPC health uses :50051 when a gRPC address is configured.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready",
		"hostname", hostname,
		"tailscale_ip", tsAddr,
		"dns_name", dnsName,
		"ws_url", tailnetWSURL(status, g.config.Tailscale, g.config.Server.WSPath))
}

// tailnetWSURL returns the settings WebSocket URL as seen from the tailnet,
// preferring the MagicDNS name over the first address. It is empty when the
// node has neither.
func tailnetWSURL(status *ipnstate.Status, tsCfg config.TailscaleConfig, wsPath string) string {
	var host string
	if status.Self != nil {
		host = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	if host == "" && len(status.TailscaleIPs) > 0 {
		addr := status.TailscaleIPs[0]
		host = addr.String()
		if addr.Is6() {
			host = "[" + host + "]"
		}
	}
	if host == "" {
		return ""
	}
	scheme := "ws"
	if tsCfg.HTTPS || tsCfg.Funnel {
		scheme = "wss"
	}
	return scheme + "://" + host + wsPath
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes every session, cancels
// in-flight device commands and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "session close", g.sessions.Close(ctx))
	g.cancel()

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "persistence close", g.persist.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness with the number of connected sessions.
// Settings are restored in New, so a running gateway is always ready.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions, %d tabs)", g.sessions.Registry().Len(), g.store.Len())
}

// handleSnapshot returns the whole store as {"tabs": {...}}.
func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.store.All()); err != nil {
		g.logger.Error("failed to encode snapshot", "error", err)
	}
}
