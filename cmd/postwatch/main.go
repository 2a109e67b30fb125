package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/pipeline"
	"github.com/TobiSchelling/postwatch/internal/scheduler"
	"github.com/TobiSchelling/postwatch/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "postwatch",
	Short:   "Watch an account's posts and report on them",
	Long:    "postwatch ingests an account's posts, translates and analyzes them, pushes each one to a chat webhook, and sends weighted daily and weekly reports.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		if err := config.LoadEnv(); err != nil {
			return err
		}
		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if verbose {
			cfg.Logging.Level = "DEBUG"
		}
		logger = cfg.NewLogger()
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("postwatch", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/postwatch/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to set the account, source API key, LLM provider and webhook.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Account: @%s (%s)\n\n", cfg.Account.Username, cfg.Source.Kind)
		fmt.Println("Posts:")
		fmt.Printf("  Stored: %d\n", stats.TotalPosts)
		fmt.Printf("  Translated: %d\n", stats.TranslatedPosts)
		fmt.Printf("  Analyzed: %d\n", stats.AnalyzedPosts)
		fmt.Printf("  Notified: %d\n", stats.NotifiedPosts)
		fmt.Println("\nRuns:")
		fmt.Printf("  Scrapes: %d\n", stats.ScrapeRuns)
		if stats.LastScrape != nil {
			fmt.Printf("  Last scrape: %s\n", stats.LastScrape.Local().Format("2006-01-02 15:04:05"))
		}
		if last, err := db.LastSuccessfulScrape(ctx); err == nil && last != nil {
			fmt.Printf("  Last successful scrape: %s (%s)\n", last.FinishedAt.Local().Format("2006-01-02 15:04:05"), last.Status)
		}
		fmt.Printf("  Reports: %d\n", stats.ReportRuns)
		fmt.Printf("\nSettings version: %d\n", store.Snapshot().Version)
		return nil
	},
}

// --- run command ---

var noServer bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler: scrape, enrich, notify and report on schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		sched := scheduler.New(a.pipeline, a.store, a.db, scheduler.RealClock(), scheduler.Options{
			Tick:      cfg.Scheduler.TickInterval,
			ReportLoc: a.reportLoc,
			AuthorLoc: a.authorLoc,
		}, logger)
		if err := sched.Init(ctx); err != nil {
			return err
		}

		if !noServer {
			srv, err := server.New(a.db, a.store, sched, a.reportLoc, version, logger)
			if err != nil {
				return err
			}
			go func() {
				if err := server.Serve(ctx, srv.Handler(), cfg.Server.Port, logger); err != nil {
					logger.Error("server stopped", "error", err)
				}
			}()
		}

		return sched.Run(ctx)
	},
}

func init() {
	runCmd.Flags().BoolVar(&noServer, "no-server", false, "Do not start the HTTP server")
}

// --- scrape command ---

var dryRun bool

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run one cycle now: ingest -> enrich -> notify",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		s := a.store.Settings()
		if dryRun {
			printSteps(a.pipeline.DryRun(ctx, s).Steps)
			return nil
		}

		result := a.pipeline.Cycle(ctx, s)
		printSteps(result.Steps)
		if result.Failed() {
			return fmt.Errorf("cycle finished with errors")
		}
		return nil
	},
}

func init() {
	scrapeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
}

// --- report command ---

var reportCmd = &cobra.Command{
	Use:       "report [daily|weekly]",
	Short:     "Build and send a report now",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{database.ReportDaily, database.ReportWeekly},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		step := a.pipeline.Report(ctx, a.store.Settings(), args[0], time.Now(), true)
		printSteps([]pipeline.StepResult{step})
		return step.Err
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server without the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		loc, err := cfg.ReportLocation()
		if err != nil {
			return err
		}
		srv, err := server.New(db, store, nil, loc, version, logger)
		if err != nil {
			return err
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, srv.Handler(), port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- config command ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change runtime settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		snap := store.Snapshot()
		m, err := snap.Settings.Map()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Printf("Settings version %d:\n\n", snap.Version)
		for _, k := range keys {
			v, _ := json.Marshal(m[k])
			fmt.Printf("  %-28s %s\n", k, v)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set key=value [key=value...]",
	Short: "Change settings; a running scheduler picks them up on its next tick",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changes := make(map[string]any, len(args))
		for _, arg := range args {
			k, v, ok := strings.Cut(arg, "=")
			if !ok || k == "" {
				return fmt.Errorf("expected key=value, got %q", arg)
			}
			changes[k] = config.ParseValue(v)
		}

		db, store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		snap, err := store.Update(cmd.Context(), changes)
		if err != nil {
			return err
		}
		fmt.Printf("Settings updated to version %d\n", snap.Version)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
