package serverrun

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cfgpkg "github.com/rzbill/gate/internal/config"
	"github.com/rzbill/gate/internal/runtime"
	pebblestore "github.com/rzbill/gate/internal/storage/pebble"
	logpkg "github.com/rzbill/gate/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing; replaced by os.Getenv at build time
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the gate runtime with its background loops and blocks until ctx
// is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	storeDir := filepath.Join(opts.DataDir, "store")

	// Build process-wide logger using env/ApplyConfig; defaults: level=info, format=text
	cfg := &logpkg.Config{
		Level:  getenvDefault("GATE_LOG_LEVEL", "info"),
		Format: getenvDefault("GATE_LOG_FORMAT", "text"),
	}
	procLogger, err := logpkg.ApplyConfig(cfg)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(cfg.Level); e == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}

	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	rt, err := runtime.Open(runtime.Options{
		DataDir:       storeDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Logger:        procLogger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.EnsureTenant(opts.Config.DefaultTenantName); err != nil {
		return err
	}

	procLogger.Info("Starting gate server",
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("level", cfg.Level),
		logpkg.Str("format", cfg.Format),
		logpkg.Dur("tick", opts.Config.Scheduler.TickInterval),
		logpkg.Int("workers", opts.Config.Scheduler.Workers),
		logpkg.Str("metrics", opts.Config.MetricsListenAddr),
	)

	if err := rt.StartLoops(); err != nil {
		return err
	}
	defer rt.StopLoops()

	var metricsSrv *http.Server
	if addr := opts.Config.MetricsListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.Metrics().Handler())
		metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				procLogger.Error("metrics listener failed", logpkg.Err(err))
			}
		}()
	}

	trimStop := make(chan struct{})
	trimDone := make(chan struct{})
	go func() {
		defer close(trimDone)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-trimStop:
				return
			case <-ticker.C:
				if n, err := rt.TrimEvents(context.Background()); err != nil {
					procLogger.Warn("event trim failed", logpkg.Err(err))
				} else if n > 0 {
					procLogger.Debug("trimmed events", logpkg.Int("removed", n))
				}
			}
		}
	}()

	<-sctx.Done()
	close(trimStop)
	<-trimDone
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	return nil
}
