// Calmend is a calendar repair daemon. It walks configured CalDAV or Google
// calendars, normalises event titles against a rule table, and writes the
// repaired events back with conditional updates so concurrent editors win.
//
// Usage:
//
//	calmend daemon [--config <path>]     # continuous polling loop
//	calmend sync-once [--config <path>]  # single repair pass then exit
//	calmend calendars [--config <path>]  # list collections the backend exposes
//	calmend status                       # show config & state DB summary
//	calmend version                      # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"calmend/internal/backend"
	"calmend/internal/backend/caldav"
	"calmend/internal/backend/google"
	"calmend/internal/config"
	"calmend/internal/model"
	"calmend/internal/repair"
	"calmend/internal/rules"
	"calmend/internal/source"
	"calmend/internal/state"
	syncp "calmend/internal/sync"
	"calmend/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "calendars":
		return runCalendars(os.Args[2:])
	case "status":
		return runStatus()
	case "version":
		fmt.Println("calmend", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q, run 'calmend' for usage", cmd)
	}
}

func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "Calmend — rule-driven calendar title repair")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  calmend daemon [--config ...]     Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  calmend sync-once [--config ...]  Single repair pass then exit")
	fmt.Fprintln(os.Stderr, "  calmend calendars [--config ...]  List collections on the backend")
	fmt.Fprintln(os.Stderr, "  calmend status                    Show config & state DB summary")
	fmt.Fprintln(os.Stderr, "  calmend version                   Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "No config file found at %s.\n", cfgPath)
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return startSync(*cfgPath, *verbose, daemon)
}

// runCalendars connects to the configured backend and prints the collections
// it exposes, so calendar IDs can be copied into the config file.
func runCalendars(args []string) error {
	fs := flag.NewFlagSet("calendars", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ad, err := backendFactory(cfg, logger)(ctx)
	if err != nil {
		return fmt.Errorf("connecting to %s backend: %w", cfg.Backend.Type, err)
	}

	cals, err := ad.ListCalendars(ctx)
	if err != nil {
		return fmt.Errorf("listing calendars: %w", err)
	}

	fmt.Printf("%d calendar(s) on %s backend:\n", len(cals), cfg.Backend.Type)
	for _, cal := range cals {
		line := "  " + cal.ID
		if cal.Alias != "" && cal.Alias != cal.ID {
			line += "  (" + cal.Alias + ")"
		}
		if cal.ReadOnly {
			line += "  [read-only]"
		}
		fmt.Println(line)
	}
	return nil
}

// runStatus prints the current configuration and state DB summary.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()
	dbPath, _ := state.DefaultDBPath()

	fmt.Println("Calmend Status")
	fmt.Println("──────────────")

	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, loadErr := config.Load(cfgPath); loadErr == nil {
			fmt.Printf("  Config:    %s ✓\n", cfgPath)
			fmt.Printf("  Backend:   %s\n", cfg.Backend.Type)
			fmt.Printf("  Calendars: %d configured\n", len(cfg.Calendars))
			fmt.Printf("  Rules:     %d rule(s)\n", len(cfg.Rules.Table))
			fmt.Printf("  Poll:      %s\n", cfg.Sync.PollInterval)
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", cfgPath)
	}

	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))
	} else {
		fmt.Printf("  State DB:  not found\n")
	}

	return nil
}

// --- Sync core ---------------------------------------------------------------

// startSync is the shared implementation for daemon and sync-once modes.
func startSync(cfgPath string, verbose, daemon bool) error {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// A .env beside the binary is the easiest place to keep CalDAV
	// credentials out of the YAML file. Missing file is fine.
	_ = godotenv.Load()

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"backend", cfg.Backend.Type,
		"calendars", len(cfg.Calendars),
		"rules", len(cfg.Rules.Table),
		"poll_interval", cfg.Sync.PollInterval,
	)

	// --- Rule table ----------------------------------------------------------

	table, err := rules.NewTable(cfg.Rules.Table, cfg.Rules.ProtectedPrefixes, cfg.Rules.Parsing)
	if err != nil {
		return fmt.Errorf("compiling rule table: %w", err)
	}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Cursor store --------------------------------------------------------

	dbPath, err := state.DefaultDBPath()
	if err != nil {
		return fmt.Errorf("resolving state DB path: %w", err)
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	}()
	logger.Info("state DB opened", "path", dbPath)

	// --- Backend -------------------------------------------------------------

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	manager := source.NewManager(logger)
	logger.Info("connecting to backend", "type", cfg.Backend.Type)
	if err := manager.Switch(ctx, backendFactory(cfg, logger)); err != nil {
		return fmt.Errorf("activating %s backend: %w", cfg.Backend.Type, err)
	}
	st := manager.Status()
	logger.Info("backend active",
		"backend", st.Backend,
		"can_write", st.CanWrite,
		"delta_sync", st.DeltaSync,
		"remote_calendars", st.Calendars,
	)

	// --- Repairer & engine ---------------------------------------------------

	repairer := repair.New(table, repair.Options{
		IfMatch:              cfg.Write.IfMatchEnabled(),
		ConflictRetries:      cfg.Write.ConflictRetries(),
		AutoGenerateWarnings: cfg.Rules.AutoGenerateWarnings,
	}, logger)

	engine := syncp.NewEngine(manager, repairer, store, syncp.Options{
		Calendars:    calendarRefs(cfg.Calendars),
		WindowDays:   cfg.Sync.WindowDays,
		Parallel:     cfg.Sync.ParallelRequests,
		DeltaSync:    cfg.Sync.DeltaEnabled() && st.DeltaSync,
		PollInterval: cfg.Sync.PollInterval,
	}, logger)

	// --- Dispatch mode -------------------------------------------------------

	if !daemon {
		logger.Info("running single repair pass")
		stats, err := engine.RunOnce(ctx)
		logger.Info("pass complete",
			"repaired", stats.Repaired,
			"already_clean", stats.AlreadyClean,
			"no_match", stats.NoMatch,
			"needs_review", stats.NeedsReview,
			"conflicts", stats.Conflicts,
			"skipped", stats.Skipped,
			"errors", stats.Errors,
		)
		return err
	}

	logger.Info("daemon starting", "poll_interval", cfg.Sync.PollInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// backendFactory builds the adapter constructor for the configured backend.
// Credentials are resolved from the environment at call time, so a runtime
// switch picks up rotated secrets.
func backendFactory(cfg *config.Config, logger *slog.Logger) source.Factory {
	switch cfg.Backend.Type {
	case "google":
		return func(ctx context.Context) (backend.Adapter, error) {
			return google.New(ctx, google.Options{
				CredentialsFile: cfg.Backend.Google.CredentialsFile,
				TokenFile:       cfg.Backend.Google.TokenFile,
				ConnectTimeout:  cfg.Sync.ConnectTimeout,
				ReadTimeout:     cfg.Sync.ReadTimeout,
			}, logger)
		}
	default: // caldav, enforced by config validation
		return func(ctx context.Context) (backend.Adapter, error) {
			opts := caldav.Options{
				Endpoint:         cfg.Backend.URL,
				ConnectTimeout:   cfg.Sync.ConnectTimeout,
				ReadTimeout:      cfg.Sync.ReadTimeout,
				IncludeVTimezone: cfg.Write.IncludeVTimezone,
			}
			if mode := cfg.Backend.Auth.Mode; mode != "" && mode != "none" {
				opts.AuthMode = mode
				opts.Username = os.Getenv(cfg.Backend.Auth.UsernameEnv)
				opts.Password = os.Getenv(cfg.Backend.Auth.PasswordEnv)
				if opts.Username == "" || opts.Password == "" {
					return nil, fmt.Errorf("credentials not set: export %s and %s",
						cfg.Backend.Auth.UsernameEnv, cfg.Backend.Auth.PasswordEnv)
				}
			}
			return caldav.New(opts, logger)
		}
	}
}

// calendarRefs converts configured calendars into sync targets.
func calendarRefs(cals []config.Calendar) []model.CalendarRef {
	refs := make([]model.CalendarRef, 0, len(cals))
	for _, c := range cals {
		refs = append(refs, model.CalendarRef{
			ID:       c.ID,
			Alias:    c.Alias,
			URL:      c.URL,
			ReadOnly: c.ReadOnly,
			Timezone: c.Timezone,
		})
	}
	return refs
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
