// Command mcp-gateway runs the multi-tenant MCP gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/cache"
	"github.com/ggoodman/mcp-gateway-go/cache/memorycache"
	"github.com/ggoodman/mcp-gateway-go/cache/rediscache"
	"github.com/ggoodman/mcp-gateway-go/executions"
	"github.com/ggoodman/mcp-gateway-go/gateway"
	"github.com/ggoodman/mcp-gateway-go/internal/config"
	"github.com/ggoodman/mcp-gateway-go/internal/jwtauth"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/relay"
	"github.com/ggoodman/mcp-gateway-go/internal/wellknown"
	"github.com/ggoodman/mcp-gateway-go/metrics"
	"github.com/ggoodman/mcp-gateway-go/pii"
	"github.com/ggoodman/mcp-gateway-go/pool"
	"github.com/ggoodman/mcp-gateway-go/pool/mcpdial"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/ggoodman/mcp-gateway-go/store"
	"github.com/ggoodman/mcp-gateway-go/store/filestore"
	"github.com/ggoodman/mcp-gateway-go/store/sqlstore"
	"github.com/ggoodman/mcp-gateway-go/streaminghttp"
	"github.com/ggoodman/mcp-gateway-go/tokenendpoint"
)

const (
	serverName    = "mcp-gateway"
	serverVersion = "0.1.0"

	shutdownTimeout = 20 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gateway.run.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	l := slog.New(h)
	if cfg.InstanceID != "" {
		l = l.With(slog.String("instance", cfg.InstanceID))
	}
	return logctx.Wrap(l)
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger, bg *sync.WaitGroup) (store.Store, error) {
	switch cfg.StoreDriver {
	case "file":
		fs, err := filestore.Open(cfg.StoreDSN, log)
		if err != nil {
			return nil, err
		}
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := fs.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("store.watch.fail", slog.String("err", err.Error()))
			}
		}()
		return fs, nil
	default:
		return sqlstore.Open(ctx, cfg.StoreDriver, cfg.StoreDSN, log)
	}
}

func openCache(cfg *config.Config) (cache.Store, func() error, error) {
	if cfg.RedisAddr == "" {
		return memorycache.New(cfg.CacheTTL), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	c, err := rediscache.New(rediscache.Config{Client: client, KeyPrefix: cfg.CacheKeyPrefix, DefaultTTL: cfg.CacheTTL})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return c, client.Close, nil
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var bg sync.WaitGroup
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer func() {
		stopBackground()
		bg.Wait()
	}()

	st, err := openStore(bgCtx, cfg, log, &bg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	c, closeCache, err := openCache(cfg)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer closeCache()

	resolver := auth.NewResolver(st, c,
		auth.WithCacheTTL(cfg.CacheTTL),
		auth.WithNegativeCaching(!cfg.DisableNegativeCache),
		auth.WithResolverLogger(log),
	)

	if w, ok := st.(interface{ SetInvalidator(store.Invalidator) }); ok {
		w.SetInvalidator(resolver)
	}

	gateOpts := []auth.GateOption{auth.WithRealm(serverName), auth.WithGateLogger(log)}
	var tokenURL string
	mux := http.NewServeMux()
	if cfg.OIDCIssuer != "" {
		jcfg := jwtauth.DefaultConfig()
		jcfg.Issuer = cfg.OIDCIssuer
		jcfg.JWKSURL = cfg.OIDCJWKSURL
		jcfg.Audiences = cfg.Audiences()
		jcfg.OrganizationClaim = cfg.OIDCOrgClaim
		v, err := jwtauth.New(ctx, jcfg)
		if err != nil {
			return fmt.Errorf("jwt validator: %w", err)
		}
		prmURL := strings.TrimSuffix(cfg.PublicURL, "/") + wellknown.Path
		gateOpts = append(gateOpts, auth.WithTokenValidator(v), auth.WithResourceMetadataURL(prmURL))
		mux.Handle(wellknown.Path, wellknown.Handler(wellknown.ProtectedResourceMetadata{
			Resource:               cfg.PublicURL,
			AuthorizationServers:   []string{v.Issuer()},
			BearerMethodsSupported: []string{"header"},
			ResourceName:           serverName,
		}))
		tokenURL = v.TokenEndpoint()
		if tokenURL == "" && cfg.TokenURL == "" {
			if tokenURL, err = tokenendpoint.Discover(ctx, cfg.OIDCIssuer); err != nil {
				log.Warn("token.discover.fail", slog.String("err", err.Error()))
			}
		}
	}
	if cfg.TokenURL != "" {
		tokenURL = cfg.TokenURL
	}
	gate := auth.NewGate(resolver, gateOpts...)

	metricOpts := []metrics.Option{metrics.WithInterval(cfg.MetricsInterval), metrics.WithLogger(log)}
	if cpu, err := metrics.ProcCPUSource(); err != nil {
		log.Warn("metrics.cpu.unavailable", slog.String("err", err.Error()))
	} else {
		metricOpts = append(metricOpts, metrics.WithCPUSource(cpu))
	}
	collector := metrics.New(metricOpts...)

	p := pool.New(
		mcpdial.New(
			mcpdial.WithRetries(cfg.PoolDialRetries),
			mcpdial.WithLogger(log),
		),
		pool.WithMaxConnsPerKey(cfg.PoolMaxPerKey),
		pool.WithIdleTimeout(cfg.PoolIdleTimeout),
		pool.WithDialTimeout(cfg.PoolDialTimeout),
		pool.WithSweepInterval(cfg.PoolSweepInterval),
		pool.WithLogger(log),
	)

	tracker := executions.New(st, executions.WithTimeout(cfg.ExecutionTimeout), executions.WithLogger(log))
	if n, err := tracker.SweepStale(ctx); err != nil {
		log.Warn("execution.sweep.fail", slog.String("err", err.Error()))
	} else if n > 0 {
		log.Info("execution.sweep.ok", slog.Int("failed", n))
	}

	detector := pii.NewHTTPDetector(cfg.PIIServiceURL, pii.WithTimeout(cfg.PIITimeout), pii.WithDetectorLogger(log))
	router := gateway.NewRouter(resolver, p,
		gateway.WithServerInfo(serverName, serverVersion),
		gateway.WithRouterLogger(log),
	)
	chain := gateway.Chain(router, tracker.Middleware(), pii.Middleware(detector, pii.WithLogger(log)))

	registry := sessions.NewRegistry(
		sessions.WithMaxSessions(cfg.MaxSessions),
		sessions.WithTTL(cfg.SessionTTL),
		sessions.WithSweepInterval(cfg.SessionSweepInterval),
		sessions.WithLogger(log),
	)
	dispatcher := relay.NewDispatcher(registry, chain, relay.WithRecorder(collector), relay.WithLogger(log))

	sseHandler := sse.New(gate, dispatcher,
		sse.WithKeepAlive(cfg.KeepAliveInterval),
		sse.WithPool(p),
		sse.WithObserver(collector),
		sse.WithLogger(log),
	)
	mux.Handle("/sse", sseHandler)
	mux.Handle("/sse/", sseHandler)
	mux.Handle("/messages", sseHandler)

	httpHandler := streaminghttp.New(gate, dispatcher,
		streaminghttp.WithKeepAlive(cfg.KeepAliveInterval),
		streaminghttp.WithObserver(collector),
		streaminghttp.WithLogger(log),
	)
	mux.Handle("/mcp", httpHandler)
	mux.Handle("/mcp/", httpHandler)

	if tokenURL != "" {
		mux.Handle("/oauth/token", tokenendpoint.New(tokenURL, tokenendpoint.WithLogger(log)))
	}
	mux.Handle("GET /metrics", collector.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, registry.Len())
	})

	for _, job := range []func(context.Context){registry.Run, p.Run, collector.Run} {
		bg.Add(1)
		go func() {
			defer bg.Done()
			job(bgCtx)
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway.listen", slog.String("addr", cfg.ListenAddr), slog.String("public_url", cfg.PublicURL))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("gateway.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Sessions go first so open streams end and the server can drain.
	var errs []error
	if err := registry.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := p.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("gateway.shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	log.Info("gateway.shutdown.ok")
	return nil
}
