package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	serverrun "github.com/rzbill/gate/internal/cmd/server"
	cfgpkg "github.com/rzbill/gate/internal/config"
	"github.com/rzbill/gate/internal/runtime"
	pebblestore "github.com/rzbill/gate/internal/storage/pebble"
	"github.com/rzbill/gate/internal/waitroom"
	logpkg "github.com/rzbill/gate/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	// Respect GATE_LOG_LEVEL for CLI output
	level := os.Getenv("GATE_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "gate",
		Short: "Gate admission control CLI",
		Long:  "Gate is a single-binary virtual queue admission controller. This CLI manages the server, queues, and merge operations.",
	}
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	rootCmd.PersistentFlags().String("config", "", "Path to JSON config file")

	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(newQueueCommand(logger))
	rootCmd.AddCommand(newMergeCommand(logger))
	rootCmd.AddCommand(newEventsCommand(logger))
	rootCmd.AddCommand(newTickCommand(logger))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers file, env, and flag sources.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	return cfg, cfg.Validate()
}

func dataDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("data-dir")
	if dir == "" {
		dir = cfgpkg.DefaultDataDir()
	}
	return dir
}

// openAdminRuntime opens the store directly for offline administration. The
// server must not be running against the same data dir; pebble holds an
// exclusive lock.
func openAdminRuntime(cmd *cobra.Command, logger logpkg.Logger) (*runtime.Runtime, cfgpkg.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfgpkg.Config{}, err
	}
	rt, err := runtime.Open(runtime.Options{
		DataDir: filepath.Join(dataDir(cmd), "store"),
		Fsync:   pebblestore.FsyncModeAlways,
		Config:  cfg,
		Logger:  logger,
	})
	if err != nil {
		return nil, cfgpkg.Config{}, err
	}
	return rt, cfg, nil
}

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start gate server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			mode, err := pebblestore.ParseFsyncMode(fsyncMode)
			if err != nil {
				return err
			}
			if logLevel != "" {
				_ = os.Setenv("GATE_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				_ = os.Setenv("GATE_LOG_FORMAT", logFormat)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("metrics"); addr != "" {
				cfg.MetricsListenAddr = addr
			}
			if tickMs, _ := cmd.Flags().GetInt("tick-ms"); tickMs > 0 {
				cfg.Scheduler.TickInterval = time.Duration(tickMs) * time.Millisecond
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:       dataDir(cmd),
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	startCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	startCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms (default 5)")
	startCmd.Flags().String("log-level", os.Getenv("GATE_LOG_LEVEL"), "Log level: debug|info|warn|error")
	startCmd.Flags().String("log-format", os.Getenv("GATE_LOG_FORMAT"), "Log format: text|json (default text)")
	startCmd.Flags().String("metrics", "", "Prometheus listen address (e.g. :9090)")
	startCmd.Flags().Int("tick-ms", 0, "Scheduler tick interval in ms (overrides config)")
	serverCmd.AddCommand(startCmd)
	return serverCmd
}

func newQueueCommand(logger logpkg.Logger) *cobra.Command {
	queueCmd := &cobra.Command{Use: "queue", Short: "Queue operations"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := openAdminRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			tenantID, _ := cmd.Flags().GetString("tenant")
			id, _ := cmd.Flags().GetString("id")
			rate, _ := cmd.Flags().GetInt("rate")
			maxConc, _ := cmd.Flags().GetInt("max-concurrent")
			if rate == 0 {
				rate = cfg.QueueDefaults.ReleaseRatePerMinute
			}
			if maxConc == 0 {
				maxConc = cfg.QueueDefaults.MaxConcurrentUsers
			}
			if _, err := rt.EnsureTenant(tenantID); err != nil {
				return err
			}
			q, err := rt.Queues().Create(cmd.Context(), waitroom.Queue{
				ID:                   id,
				TenantID:             tenantID,
				ReleaseRatePerMinute: rate,
				MaxConcurrentUsers:   maxConc,
				CreatedAtMs:          time.Now().UnixMilli(),
			})
			if err != nil {
				return err
			}
			return printJSON(q)
		},
	}
	createCmd.Flags().String("tenant", "default", "Tenant name")
	createCmd.Flags().String("id", "", "Queue id")
	createCmd.Flags().Int("rate", 0, "Release rate per minute (default from config)")
	createCmd.Flags().Int("max-concurrent", 0, "Max concurrent users (default from config)")
	_ = createCmd.MarkFlagRequired("id")
	queueCmd.AddCommand(createCmd)

	deactivateCmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openAdminRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			tenantID, _ := cmd.Flags().GetString("tenant")
			id, _ := cmd.Flags().GetString("id")
			if err := rt.Queues().Deactivate(cmd.Context(), tenantID, id); err != nil {
				return err
			}
			fmt.Println("deactivated:", id)
			return nil
		},
	}
	deactivateCmd.Flags().String("tenant", "default", "Tenant name")
	deactivateCmd.Flags().String("id", "", "Queue id")
	_ = deactivateCmd.MarkFlagRequired("id")
	queueCmd.AddCommand(deactivateCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's queues with their live counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openAdminRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			tenantID, _ := cmd.Flags().GetString("tenant")
			queues, err := rt.Queues().ListTenant(tenantID)
			if err != nil {
				return err
			}
			type row struct {
				waitroom.Queue
				Waiting int `json:"waiting"`
				Active  int `json:"active"`
			}
			rows := make([]row, 0, len(queues))
			for _, q := range queues {
				rows = append(rows, row{
					Queue:   q,
					Waiting: rt.Sessions().CountWaiting(tenantID, q.ID),
					Active:  rt.Sessions().CountActive(tenantID, q.ID),
				})
			}
			return printJSON(rows)
		},
	}
	listCmd.Flags().String("tenant", "default", "Tenant name")
	queueCmd.AddCommand(listCmd)

	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a user to a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openAdminRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			tenantID, _ := cmd.Flags().GetString("tenant")
			id, _ := cmd.Flags().GetString("id")
			user, _ := cmd.Flags().GetString("user")
			sess, err := rt.Enqueue(cmd.Context(), tenantID, id, user, time.Now().UnixMilli())
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	}
	enqueueCmd.Flags().String("tenant", "default", "Tenant name")
	enqueueCmd.Flags().String("id", "", "Queue id")
	enqueueCmd.Flags().String("user", "", "User identifier")
	_ = enqueueCmd.MarkFlagRequired("id")
	_ = enqueueCmd.MarkFlagRequired("user")
	queueCmd.AddCommand(enqueueCmd)

	return queueCmd
}

func newMergeCommand(logger logpkg.Logger) *cobra.Command {
	mergeCmd := &cobra.Command{Use: "merge", Short: "Queue merge operations"}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Merge a source queue's waiting users into a destination queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := openAdminRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			tenantID, _ := cmd.Flags().GetString("tenant")
			src, _ := cmd.Flags().GetString("source")
			dst, _ := cmd.Flags().GetString("destination")
			detach, _ := cmd.Flags().GetBool("detach")

			op, err := rt.Merges().Start(cmd.Context(), tenantID, src, dst, time.Now().UnixMilli())
			if err != nil {
				return err
			}
			if detach {
				// left in progress; the server resumes it at next startup
				return printJSON(op)
			}
			for {
				res, err := rt.Merges().ProcessBatch(cmd.Context(), tenantID, op.ID, cfg.Merge.BatchSize, time.Now().UnixMilli())
				if err != nil {
					return err
				}
				if res.Done() {
					break
				}
				time.Sleep(cfg.Merge.Interval)
			}
			final, err := rt.Merges().Status(tenantID, op.ID)
			if err != nil {
				return err
			}
			return printJSON(final)
		},
	}
	startCmd.Flags().String("tenant", "default", "Tenant name")
	startCmd.Flags().String("source", "", "Source queue id")
	startCmd.Flags().String("destination", "", "Destination queue id")
	startCmd.Flags().Bool("detach", false, "Register the operation without driving it; the server picks it up")
	_ = startCmd.MarkFlagRequired("source")
	_ = startCmd.MarkFlagRequired("destination")
	mergeCmd.AddCommand(startCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an in-progress merge operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openAdminRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			tenantID, _ := cmd.Flags().GetString("tenant")
			opID, _ := cmd.Flags().GetString("operation")
			ok, err := rt.Merges().Cancel(cmd.Context(), tenantID, opID, time.Now().UnixMilli())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("operation already terminal")
				return nil
			}
			fmt.Println("cancelled:", opID)
			return nil
		},
	}
	cancelCmd.Flags().String("tenant", "default", "Tenant name")
	cancelCmd.Flags().String("operation", "", "Operation id")
	_ = cancelCmd.MarkFlagRequired("operation")
	mergeCmd.AddCommand(cancelCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a merge operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openAdminRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			tenantID, _ := cmd.Flags().GetString("tenant")
			opID, _ := cmd.Flags().GetString("operation")
			op, err := rt.Merges().Status(tenantID, opID)
			if err != nil {
				return err
			}
			return printJSON(op)
		},
	}
	statusCmd.Flags().String("tenant", "default", "Tenant name")
	statusCmd.Flags().String("operation", "", "Operation id")
	_ = statusCmd.MarkFlagRequired("operation")
	mergeCmd.AddCommand(statusCmd)

	return mergeCmd
}

func newEventsCommand(logger logpkg.Logger) *cobra.Command {
	eventsCmd := &cobra.Command{Use: "events", Short: "Event log operations"}
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print a tenant's most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openAdminRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			tenantID, _ := cmd.Flags().GetString("tenant")
			limit, _ := cmd.Flags().GetInt("limit")
			l, err := rt.EventLog().TenantLog(tenantID)
			if err != nil {
				return err
			}
			from := uint64(1)
			if last := l.LastSeq(); last > uint64(limit) {
				from = last - uint64(limit) + 1
			}
			items, err := l.Read(from, limit)
			if err != nil {
				return err
			}
			for _, it := range items {
				line, _ := json.Marshal(it.Event)
				fmt.Printf("%d\t%s\n", it.Seq, line)
			}
			return nil
		},
	}
	tailCmd.Flags().String("tenant", "default", "Tenant name")
	tailCmd.Flags().Int("limit", 50, "Maximum events to print")
	eventsCmd.AddCommand(tailCmd)
	return eventsCmd
}

func newTickCommand(logger logpkg.Logger) *cobra.Command {
	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openAdminRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			report := rt.Scheduler().Tick(cmd.Context(), time.Now().UnixMilli())
			type row struct {
				Tenant   string `json:"tenant"`
				Queue    string `json:"queue"`
				Released int    `json:"released"`
				Error    string `json:"error,omitempty"`
			}
			rows := make([]row, 0, len(report.Results))
			for _, res := range report.Results {
				r := row{Tenant: res.TenantID, Queue: res.QueueID, Released: res.Released}
				if res.Err != nil {
					r.Error = res.Err.Error()
				}
				rows = append(rows, r)
			}
			return printJSON(rows)
		},
	}
	return tickCmd
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
