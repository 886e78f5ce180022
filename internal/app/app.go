package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"palisade/internal/config"
	"palisade/internal/edge"
	"palisade/internal/feed"
	"palisade/internal/metrics"
	"palisade/internal/reconciler"
	"palisade/internal/state"
	"palisade/internal/support"
)

const leadershipKey = "palisade:leader:reconcile"

// Run wires the process together: configuration, logging, metrics, the
// decision feed and the reconciler, all under a signal-aware root context.
func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	configFlag := flag.String("config", "palisade.json", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}

	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("palisade")
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	feedClient := feed.NewClient(cfg.Feed.URL, cfg.Feed.APIKey)
	store := state.NewStore(cfg.CachePath)

	orch, err := reconciler.New(cfg, feedClient, func(account config.Account) edge.API {
		return edge.NewClient(account.Token)
	}, store, m)
	if err != nil {
		return fmt.Errorf("build reconciler: %w", err)
	}

	if cfg.RedisURL == "" {
		return ignoreCanceled(orch.Run(ctx))
	}

	// Several agent instances may watch the same accounts; the redis lock
	// ensures only one of them mutates edge state at a time.
	client, err := support.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("leadership redis: %w", err)
	}
	defer client.Close()

	err = support.RunWithLeader(ctx, client, leadershipKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		if runErr := orch.Run(leaderCtx); runErr != nil && leaderCtx.Err() == nil {
			log.Error("Reconciler terminated while leading", "error", runErr)
		}
	})
	return ignoreCanceled(err)
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func setupLogging(cfg config.Config) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn("Unknown log level, using info", "level", cfg.Log.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
		log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info("Serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics server terminated", "error", err)
	}
}
