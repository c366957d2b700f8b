package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/matcher"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/sweeper"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"base_path", cfg.BasePath,
		"offer_ttl", cfg.OfferTTL,
		"answer_grace", cfg.AnswerGrace,
		"sweep_interval", cfg.SweepInterval,
		"queue_retry_after", cfg.QueueRetryAfter,
		"max_connections", cfg.MaxConnections,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"auth_mode", cfg.AuthMode,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupWarnings(logger, cfg)

	rl, err := newRelay(cfg, logger, resolveBuildInfo(buildCommit, buildTime))
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rl.run(ctx, ln); err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

// relay is the assembled process: one registry shared by the HTTP surface and
// the expiry sweeper.
type relay struct {
	cfg      config.Config
	log      *slog.Logger
	registry *registry.Registry
	sweeper  *sweeper.Sweeper
	http     *httpserver.Server
}

func newRelay(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*relay, error) {
	m := metrics.New()

	reg := registry.New(registry.Options{
		MaxRecords: cfg.MaxConnections,
		Metrics:    m,
	})
	sw := sweeper.New(reg, sweeper.Options{
		Interval:    cfg.SweepInterval,
		OfferTTL:    cfg.OfferTTL,
		AnswerGrace: cfg.AnswerGrace,
		Logger:      logger,
		Metrics:     m,
	})

	authz, err := signaling.NewAuthAuthorizer(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure signaling auth: %w", err)
	}

	var limiter *ratelimit.KeyedLimiter
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.NewKeyedLimiter(ratelimit.Options{
			PerSecond: cfg.RequestsPerSecond,
			Burst:     cfg.RequestBurst,
		})
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.Options{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("configure turn rest credentials: %w", err)
		}
	}

	srv := httpserver.New(cfg, logger, build, httpserver.Options{
		Metrics: m,
		Connections: func() map[string]int {
			return reg.Stats().Map()
		},
		Limiter:  limiter,
		TURNREST: turn,
	})

	sig := signaling.NewServer(signaling.Config{
		Store:        reg,
		Matcher:      matcher.New(reg, matcher.Options{RetryAfter: cfg.QueueRetryAfter, Metrics: m}),
		Metrics:      m,
		Logger:       logger,
		Authorizer:   authz,
		MaxBodyBytes: cfg.MaxSignalingMessageBytes,
		BasePath:     cfg.BasePath,
	})
	sig.RegisterRoutes(srv.Mux())

	return &relay{
		cfg:      cfg,
		log:      logger,
		registry: reg,
		sweeper:  sw,
		http:     srv,
	}, nil
}

// run serves on ln and sweeps until ctx is done or either loop fails, then
// drains in-flight requests within the shutdown timeout.
func (r *relay) run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := r.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return r.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		r.log.Info("shutting down", "live_connections", r.registry.Len())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
		defer cancel()
		if err := r.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
