// ABOUTME: Gateway wires the relay components together and runs the HTTP server
// ABOUTME: Manages store, catalog, broadcaster, retention sweeps and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/deal-relay/internal/catalog"
	"github.com/2389/deal-relay/internal/config"
	"github.com/2389/deal-relay/internal/conversation"
	"github.com/2389/deal-relay/internal/dedupe"
	"github.com/2389/deal-relay/internal/dispatch"
	"github.com/2389/deal-relay/internal/store"
)

const (
	// sseHeartbeatInterval is how often idle SSE streams get a comment line
	sseHeartbeatInterval = 30 * time.Second

	// shutdownTimeout bounds graceful shutdown once Run's context ends
	shutdownTimeout = 5 * time.Second
)

// Gateway owns every long-lived relay component and the HTTP server in front of them.
type Gateway struct {
	config      *config.Config
	store       store.Store
	catalog     *catalog.Catalog
	broadcaster *conversation.Broadcaster
	relay       *conversation.Service
	dedupe      *dedupe.Cache
	httpServer  *http.Server
	logger      *slog.Logger

	// origins is the set of allowed CORS origins; "*" allows any
	origins        map[string]bool
	originPatterns []string

	heartbeatInterval time.Duration

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway from configuration. It opens the store and loads the
// agent catalog but does not start listening.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	agents, err := catalog.Load(cfg.Agents.Dir, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	broadcaster := conversation.NewBroadcaster(logger)
	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)
	dispatcher := dispatch.New(cfg.Engine.Timeout, dispatch.WithLogger(logger))

	relay := conversation.NewService(s, agents, dispatcher, broadcaster, conversation.Config{
		EngineBaseURL:    cfg.Engine.BaseURL,
		OrchestratorPath: cfg.Engine.OrchestratorPath,
		CallbackBaseURL:  cfg.Callback.BaseURL,
		CallbackSecret:   cfg.Callback.Secret,
	}, conversation.WithDeduper(dedupeCache), conversation.WithLogger(logger))

	gw := &Gateway{
		config:            cfg,
		store:             s,
		catalog:           agents,
		broadcaster:       broadcaster,
		relay:             relay,
		dedupe:            dedupeCache,
		logger:            logger.With("component", "gateway"),
		heartbeatInterval: sseHeartbeatInterval,
	}
	gw.origins, gw.originPatterns = parseOrigins(cfg.Server.AllowedOrigins)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every relay route.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("GET /agents", g.handleListAgents)
	mux.HandleFunc("POST /chat/start", g.handleChatStart)
	mux.HandleFunc("POST /chat/send", g.handleChatSend)
	mux.HandleFunc("POST /webhooks/n8n/callback", g.handleCallback)

	mux.HandleFunc("GET /transactions", g.handleListTransactions)
	mux.HandleFunc("GET /transactions/{id}", g.handleGetTransaction)

	mux.HandleFunc("GET /ws/{convo}", g.handleWebSocket)
	mux.HandleFunc("GET /stream/{convo}", g.handleStream)

	return g.withCORS(mux)
}

// Run listens on the configured address and serves until ctx is canceled.
// Returns nil on graceful shutdown, or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs the HTTP server and the retention sweeper on ln until ctx ends.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if g.config.Retention.MaxAge > 0 {
		eg.Go(func() error {
			g.runRetention(egCtx)
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// runRetention prunes idle transactions on every sweep interval.
func (g *Gateway) runRetention(ctx context.Context) {
	interval := g.config.Retention.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	g.logger.Info("retention enabled", "max_age", g.config.Retention.MaxAge, "sweep_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.sweepIdle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepIdle(ctx)
		}
	}
}

func (g *Gateway) sweepIdle(ctx context.Context) {
	cutoff := time.Now().Add(-g.config.Retention.MaxAge)
	n, err := g.relay.PruneIdle(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Error("retention sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		g.logger.Info("pruned idle transactions", "count", n, "cutoff", cutoff)
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases every component. Streaming
// sessions end first so the server is not left waiting on them. Safe to call
// more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		g.broadcaster.Close()

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		errs = appendCloseError(errs, "store close", g.store.Close())
		g.dedupe.Close()

		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}
