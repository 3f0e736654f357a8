// Command compwatch monitors competitor pages: it runs the change pipeline,
// serves the change projection and maintains the store's schema.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/compwatch/intel"
)

var (
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "compwatch",
	Short: "Track competitor web pages and score their changes",
	Long: `compwatch fetches competitor pages, stores each snapshot, detects content
changes, scores their competitive relevance and optionally enriches high-value
changes with a language model.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		logger, err := newLogger(logLevel, logFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "compwatch.yaml", "config file")
	pf.StringVar(&dbPath, "db", "", "database path (overrides db_path)")
	pf.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	pf.StringVar(&logFormat, "log-format", "json", "json or text")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// loadConfig reads --config. With --db and no config file, a bare config is
// enough for the read-only and schema commands.
func loadConfig() (*intel.Config, error) {
	cfg, err := intel.LoadConfig(configPath, func(c *intel.Config) {
		if dbPath != "" {
			c.DBPath = dbPath
		}
	})
	if err != nil {
		if dbPath == "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return &intel.Config{DBPath: dbPath}, nil
	}
	return cfg, nil
}

func openService(ctx context.Context) (*intel.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return intel.New(ctx, cfg, slog.Default())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
