package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brensch/urnalog/internal/config"
	"github.com/brensch/urnalog/internal/db"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"
)

var (
	// Config flags - bound in init()
	cfgFile     string
	downloadDir string
	scratchDir  string
	outputDir   string
	storePath   string
	dbPath      string
	urlTemplate string
	connections int
	retryCount  int
	logFormat   string
	logLevel    string
	logOutput   string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	logWriter  io.Writer = os.Stderr
	dbConn     *sql.DB
	appConfig  config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "urnalog",
	Short: "Harvest voting machine models from the TSE urna log bundles.",
	Long: `Urnalog downloads the per-state bundles of urna logs published by the TSE,
unpacks every section log, extracts the voting machine model and merges it into
a persistent per-section store. A DuckDB database tracks the state of every
(round, region) work item across runs.

The primary command is 'harvest'. Other commands list, export and summarize the
store, or show the harvest history.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Initialize Logger ---
		var level slog.Level
		switch strings.ToLower(logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		logWriter = os.Stderr
		if logOutput != "" && strings.ToLower(logOutput) != "stderr" {
			if strings.ToLower(logOutput) == "stdout" {
				logWriter = os.Stdout
			} else {
				f, err := os.OpenFile(logOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if err != nil {
					return fmt.Errorf("failed to open log file %s: %w", logOutput, err)
				}
				// The OS closes the file when the CLI exits.
				logWriter = f
			}
		}
		rootLogger = newLogger(logWriter, level)
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Logger initialized", "level", level.String(), "format", logFormat, "output", logOutput)

		// --- 2. Load/Validate Config (defaults, then file, then flags) ---
		cfg, err := config.Load(cfgFile, rootLogger)
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := cfg.Prepare(); err != nil {
			return err
		}
		appConfig = cfg
		rootLogger.Debug("Configuration loaded", slog.Any("config", appConfig))

		// --- 3. Initialize DuckDB Connection & Schema ---
		rootLogger.Debug("Initializing DuckDB connection", "path", appConfig.DbPath)
		dbConn, err = sql.Open("duckdb", duckDSN(appConfig.DbPath))
		if err != nil {
			return fmt.Errorf("failed to open duckdb database (%s): %w", appConfig.DbPath, err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = dbConn.PingContext(pingCtx); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to ping duckdb database (%s): %w", appConfig.DbPath, err)
		}
		if err := db.InitializeSchema(dbConn); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		rootLogger.Debug("Database schema initialized successfully.")
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if dbConn != nil {
			rootLogger.Debug("Closing DuckDB connection.")
			if err := dbConn.Close(); err != nil {
				rootLogger.Error("Failed to close DuckDB connection cleanly", "error", err)
			}
		}
		return nil
	},
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// go-duckdb opens an in-memory database for the empty DSN.
func duckDSN(path string) string {
	if path == ":memory:" {
		return ""
	}
	return path
}

// applyFlagOverrides copies only the flags the user actually set, so values
// from the config file are not clobbered by flag defaults.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("download-dir") {
		cfg.DownloadDir = downloadDir
	}
	if flags.Changed("scratch-dir") {
		cfg.ScratchDir = scratchDir
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = outputDir
	}
	if flags.Changed("store-path") {
		cfg.StorePath = storePath
	}
	if flags.Changed("db-path") {
		cfg.DbPath = dbPath
	}
	if flags.Changed("url-template") {
		cfg.URLTemplate = urlTemplate
	}
	if flags.Changed("connections") {
		cfg.Connections = connections
	}
	if flags.Changed("retries") {
		cfg.RetryCount = retryCount
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.AddCommand(harvestCmd)
	rootCmd.AddCommand(sectionsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(stateCmd)

	err := rootCmd.Execute()
	if err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	defaults := config.Default()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "JSON5 config file merged over the built-in defaults")
	rootCmd.PersistentFlags().StringVar(&downloadDir, "download-dir", defaults.DownloadDir, "Directory for downloaded outer archives")
	rootCmd.PersistentFlags().StringVar(&scratchDir, "scratch-dir", defaults.ScratchDir, "Directory for per-member extraction")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", defaults.OutputDir, "Directory for exports")
	rootCmd.PersistentFlags().StringVar(&storePath, "store-path", defaults.StorePath, "Path of the aggregation store snapshot")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db-path", "d", defaults.DbPath, "Path to DuckDB state database file (:memory: for in-memory)")
	rootCmd.PersistentFlags().StringVar(&urlTemplate, "url-template", defaults.URLTemplate, "Bundle URL with {round} and {region} placeholders")
	rootCmd.PersistentFlags().IntVarP(&connections, "connections", "c", defaults.Connections, "Parallel range requests per download")
	rootCmd.PersistentFlags().IntVar(&retryCount, "retries", defaults.RetryCount, "Retries per chunk request")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.1.0"
}

// Helper to get logger
func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getDB() *sql.DB { return dbConn }

func getConfig() config.Config { return appConfig }
