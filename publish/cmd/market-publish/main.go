package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cosmo-local-credit/marketplace/publish"
	"github.com/cosmo-local-credit/marketplace/publish/migrations"
	"github.com/cosmo-local-credit/marketplace/publish/record"
	"github.com/cosmo-local-credit/marketplace/publish/telemetry"
)

const serviceName = "market-publish"

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitUsage   = 2
)

// Version information (set by build)
var Version = "dev"

// errUsage marks errors that should print usage and exit with ExitUsage.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return ExitUsage
	}

	var err error
	switch args[0] {
	case "migrate":
		err = migrateCmd(ctx, args[1:], stdout, stderr)
	case "history":
		err = historyCmd(ctx, args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "%s %s\n", serviceName, Version)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		printUsage(stderr)
		return ExitUsage
	}

	if errors.Is(err, errUsage) {
		return ExitUsage
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return ExitError
	}
	return ExitSuccess
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  market-publish migrate [flags]     deploy MarketplaceToken, then Marketplace(token)")
	fmt.Fprintln(w, "  market-publish history [flags]     list recorded migration runs")
	fmt.Fprintln(w, "  market-publish version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Core flags/env: --rpc-url(MARKETPLACE_RPC_URL) --chain-id(MARKETPLACE_CHAIN_ID) --private-key(MARKETPLACE_PRIVATE_KEY) [--public-address(MARKETPLACE_PUBLIC_ADDRESS)]")
	fmt.Fprintln(w, "Run a command with --help for every flag.")
}

// parseFlags parses args into fs and loads the config. Parse failures and
// --help are reported as errUsage.
func parseFlags(fs *pflag.FlagSet, args []string, stderr io.Writer) (*Config, error) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, errUsage
		}
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return nil, errUsage
	}
	return LoadConfig(fs)
}

// =============================================================================
// migrate
// =============================================================================

func migrateCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	registerConfigFlags(fs)

	cfg, err := parseFlags(fs, args, stderr)
	if err != nil {
		return err
	}
	if err := cfg.ValidateMigrate(); err != nil {
		return err
	}
	key, _, err := cfg.DeployerKey()
	if err != nil {
		return err
	}

	logger := SetupLogger(cfg, stderr)

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Otel.Endpoint,
		SampleRatio:    cfg.Otel.SampleRatio,
		ServiceName:    serviceName,
		ServiceVersion: Version,
		ChainID:        cfg.ChainID,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	var recorder migrations.Recorder = migrations.NopRecorder{}
	if cfg.Database.DSN != "" {
		store, err := openStore(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = store
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	d, err := publish.NewDeployer(ctx, cfg.RPCURL, cfg.ChainID, key,
		big.NewInt(cfg.Gas.FeeCap), big.NewInt(cfg.Gas.TipCap),
		publish.WithPollInterval(cfg.PollInterval),
		publish.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer d.Close()

	artifacts := publish.NewArtifactDir(cfg.ArtifactsDir)
	logger.Info("starting migration",
		"chain_id", d.ChainID(),
		"deployer", d.Address().Hex(),
		"artifacts", artifacts.Root(),
	)

	m := &migrations.Marketplace{
		Deployer:            d,
		Artifacts:           artifacts,
		Recorder:            recorder,
		Logger:              logger,
		ChainID:             d.ChainID(),
		From:                d.Address(),
		TokenGasLimit:       cfg.Gas.TokenLimit,
		MarketplaceGasLimit: cfg.Gas.MarketplaceLimit,
	}
	res, err := m.Run(ctx)
	if err != nil {
		return err
	}

	return writeReport(stdout, cfg.Output, newReport(d.ChainID(), d.Address(), res))
}

// =============================================================================
// history
// =============================================================================

func historyCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	registerConfigFlags(fs)
	limit := fs.Int("limit", 20, "maximum number of runs to list")
	offset := fs.Int("offset", 0, "number of runs to skip")
	runID := fs.String("run", "", "show a single run")
	address := fs.String("address", "", "show the deployments that created this address")

	cfg, err := parseFlags(fs, args, stderr)
	if err != nil {
		return err
	}
	if err := cfg.ValidateOutput(); err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return errors.New("history requires database.dsn")
	}

	store, err := openStore(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case *runID != "":
		found, err := store.GetRun(ctx, *runID)
		if err != nil {
			return err
		}
		return writeReport(stdout, cfg.Output, found)
	case *address != "":
		addr, err := parseAddress(*address)
		if err != nil {
			return err
		}
		deps, err := store.ListDeploymentsByAddress(ctx, addr.Hex())
		if err != nil {
			return err
		}
		return writeReport(stdout, cfg.Output, deps)
	default:
		runs, err := store.ListRuns(ctx, record.ListOptions{Limit: *limit, Offset: *offset})
		if err != nil {
			return err
		}
		return writeReport(stdout, cfg.Output, runs)
	}
}

// openStore opens the history database, creating its directory if needed.
func openStore(dsn string) (*record.SQLiteStore, error) {
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}
	return record.NewSQLiteStore(dsn)
}
