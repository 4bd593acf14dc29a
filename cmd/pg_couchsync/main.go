// Package main implements the pg_couchsync binary for bidirectional
// synchronization between PostgreSQL records and a remote document database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/pg_couchsync/internal/log"
	"github.com/cybertec-postgresql/pg_couchsync/internal/record"
	"github.com/cybertec-postgresql/pg_couchsync/internal/remote"
	"github.com/cybertec-postgresql/pg_couchsync/internal/sync"
)

// Config holds the application configuration
type Config struct {
	PostgresDSN     string   `short:"p" env:"PG_COUCHSYNC_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string"`
	RemoteURL       string   `short:"r" env:"PG_COUCHSYNC_REMOTE_URL" long:"remote-url" description:"Base URL of the remote document database"`
	RemoteSecret    string   `env:"PG_COUCHSYNC_REMOTE_SECRET" long:"remote-secret" description:"Shared secret sent as bearer token"`
	ListenAddress   string   `env:"PG_COUCHSYNC_LISTEN_ADDRESS" long:"listen-address" description:"Webhook receiver listen address" default:":8080"`
	Modules         []string `short:"m" env:"PG_COUCHSYNC_MODULES" env-delim:"," long:"module" description:"Synced module as name:table, may be repeated"`
	LogLevel        string   `short:"l" env:"PG_COUCHSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	PollingInterval string   `long:"polling-interval" description:"Polling interval for the remote change feed" default:"30s"`
	ForceDelete     bool     `long:"force-delete" description:"Hard delete local records on remote tombstones"`
	CreatedAtColumn string   `long:"created-at-column" description:"Name of the creation timestamp column" default:"created_at"`
	UpdatedAtColumn string   `long:"updated-at-column" description:"Name of the update timestamp column" default:"updated_at"`
	DeletedAtColumn string   `long:"deleted-at-column" description:"Name of the soft delete timestamp column" default:"deleted_at"`
	Version         bool     `short:"v" long:"version" description:"Show version information"`
	SyncOnce        bool
	Help            bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true // without a command, start the daemon
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	// the only recognized command is the one-shot "sync"
	if len(nonParsedArgs) == 1 && nonParsedArgs[0] == "sync" {
		cmdOpts.SyncOnce = true
		return cmdOpts, nil
	}
	if len(nonParsedArgs) > 0 {
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ParseModules converts name:table flags into module definitions. A bare name
// uses the module name as table name.
func ParseModules(specs []string) ([]record.ModuleDef, error) {
	defs := make([]record.ModuleDef, 0, len(specs))
	for _, spec := range specs {
		name, table, found := strings.Cut(spec, ":")
		if !found {
			table = name
		}
		if name == "" || table == "" {
			return nil, fmt.Errorf("invalid module spec %q, expected name:table", spec)
		}
		defs = append(defs, record.ModuleDef{Name: name, Table: table, Syncable: true})
	}
	return defs, nil
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("pg_couchsync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("pg_couchsync logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	// Optional .env file for local deployments
	_ = godotenv.Load()

	// Parse CLI arguments
	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	// Setup logging
	if err := SetupLogging(config.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	// Connect to PostgreSQL with retry logic
	pgPool, err := record.NewWithRetry(ctx, config.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to PostgreSQL after retries")
	}
	defer pgPool.Close()

	// Apply schema migrations for the sync bookkeeping tables
	if err := record.ApplyMigrations(ctx, pgPool); err != nil {
		logrus.WithError(err).Fatal("Failed to apply database migrations")
	}

	// Register synced modules
	defs, err := ParseModules(config.Modules)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid module configuration")
	}
	if len(defs) == 0 {
		logrus.Fatal("No synced modules configured, use --module name:table")
	}
	registry := record.NewRegistry()
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			logrus.WithError(err).Fatal("Failed to register module")
		}
	}

	store := record.NewStore(pgPool, registry, record.TimestampColumns{
		CreatedAt: config.CreatedAtColumn,
		UpdatedAt: config.UpdatedAtColumn,
		DeletedAt: config.DeletedAtColumn,
	})

	// Connect to the remote document store with retry logic
	client, err := remote.NewClientWithRetry(ctx, config.RemoteURL, config.RemoteSecret)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to remote document store after retries")
	}

	// Parse polling interval
	pollingInterval, err := time.ParseDuration(config.PollingInterval)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid polling interval format")
	}

	syncService := sync.NewService(store, pgPool, client, sync.Config{
		ListenAddress:   config.ListenAddress,
		WebhookSecret:   config.RemoteSecret,
		PollingInterval: pollingInterval,
		ForceDelete:     config.ForceDelete,
	})

	if config.SyncOnce {
		// One idempotent pull pass; per-record failures are logged, not fatal
		if err := syncService.SyncOnce(ctx); err != nil {
			logrus.WithError(err).Error("Sync pass ended with errors")
		}
		return
	}

	if err := syncService.Start(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Synchronization failed")
	}

	logrus.Info("Graceful shutdown completed")
}
