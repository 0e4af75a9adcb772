package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all publisher configuration.
type Config struct {
	RPCURL        string         `mapstructure:"rpc_url"`
	ChainID       uint64         `mapstructure:"chain_id"`
	PrivateKey    string         `mapstructure:"private_key"`
	PublicAddress string         `mapstructure:"public_address"`
	Gas           GasConfig      `mapstructure:"gas"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	PollInterval  time.Duration  `mapstructure:"poll_interval"`
	ArtifactsDir  string         `mapstructure:"artifacts_dir"`
	Database      DatabaseConfig `mapstructure:"database"`
	Log           LogConfig      `mapstructure:"log"`
	Output        string         `mapstructure:"output"`
	Otel          OtelConfig     `mapstructure:"otel"`
}

// GasConfig holds EIP-1559 fee caps (wei) and per-contract gas limits.
type GasConfig struct {
	FeeCap           int64  `mapstructure:"fee_cap"`
	TipCap           int64  `mapstructure:"tip_cap"`
	TokenLimit       uint64 `mapstructure:"token_limit"`
	MarketplaceLimit uint64 `mapstructure:"marketplace_limit"`
}

// DatabaseConfig holds the deployment history location. An empty DSN
// disables history.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OtelConfig holds tracing configuration. Tracing is off when Endpoint is empty.
type OtelConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// =============================================================================
// Config Loading
// =============================================================================

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"rpc-url":               "rpc_url",
	"chain-id":              "chain_id",
	"private-key":           "private_key",
	"public-address":        "public_address",
	"gas-fee-cap":           "gas.fee_cap",
	"gas-tip-cap":           "gas.tip_cap",
	"token-gas-limit":       "gas.token_limit",
	"marketplace-gas-limit": "gas.marketplace_limit",
	"timeout":               "timeout",
	"poll-interval":         "poll_interval",
	"artifacts-dir":         "artifacts_dir",
	"db":                    "database.dsn",
	"log-level":             "log.level",
	"log-format":            "log.format",
	"output":                "output",
	"otel-endpoint":         "otel.endpoint",
	"otel-sample-ratio":     "otel.sample_ratio",
}

// registerConfigFlags adds the shared configuration flags to fs. Flag
// defaults are zero values; real defaults live in LoadConfig.
func registerConfigFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("rpc-url", "", "JSON-RPC endpoint")
	fs.Uint64("chain-id", 0, "expected chain ID")
	fs.String("private-key", "", "hex-encoded deployer key")
	fs.String("public-address", "", "deployer address; must match the key when set")
	fs.Int64("gas-fee-cap", 0, "max fee per gas (wei)")
	fs.Int64("gas-tip-cap", 0, "max priority fee per gas (wei)")
	fs.Uint64("token-gas-limit", 0, "gas limit for the MarketplaceToken deployment")
	fs.Uint64("marketplace-gas-limit", 0, "gas limit for the Marketplace deployment")
	fs.Duration("timeout", 0, "overall deadline for the migration")
	fs.Duration("poll-interval", 0, "receipt polling interval")
	fs.String("artifacts-dir", "", "directory holding compiled contract artifacts")
	fs.String("db", "", "deployment history database (empty disables history)")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("log-format", "", "json or text")
	fs.StringP("output", "o", "", "report format: json or yaml")
	fs.String("otel-endpoint", "", "OTLP/HTTP traces endpoint (empty disables tracing)")
	fs.Float64("otel-sample-ratio", 0, "fraction of runs to trace, 1 traces all")
}

// LoadConfig resolves configuration from defaults, an optional config file,
// MARKETPLACE_* environment variables and flags that were set explicitly, in
// increasing order of precedence.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("rpc_url", "")
	v.SetDefault("chain_id", 0)
	v.SetDefault("private_key", "")
	v.SetDefault("public_address", "")
	v.SetDefault("gas.fee_cap", 2_000_000_000)
	v.SetDefault("gas.tip_cap", 1_000_000_000)
	v.SetDefault("gas.token_limit", 0) // 0 selects the contract's own limit
	v.SetDefault("gas.marketplace_limit", 0)
	v.SetDefault("timeout", "10m")
	v.SetDefault("poll_interval", "2s")
	v.SetDefault("artifacts_dir", "./build/contracts")
	v.SetDefault("database.dsn", "./data/deployments.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("output", "json")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.sample_ratio", 1.0)

	if fs != nil {
		if configPath, _ := fs.GetString("config"); configPath != "" {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("MARKETPLACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Output = strings.ToLower(strings.TrimSpace(cfg.Output))

	return &cfg, nil
}

// =============================================================================
// Validation
// =============================================================================

// ValidateOutput checks the settings every command shares.
func (c *Config) ValidateOutput() error {
	switch c.Output {
	case "json", "yaml":
		return nil
	default:
		return fmt.Errorf("output must be json or yaml, got %q", c.Output)
	}
}

// ValidateMigrate checks the settings needed to send transactions.
func (c *Config) ValidateMigrate() error {
	var errs []error
	if c.RPCURL == "" {
		errs = append(errs, errors.New("rpc_url is required"))
	}
	if c.ChainID == 0 {
		errs = append(errs, errors.New("chain_id is required"))
	}
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("private_key is required"))
	}
	if c.Gas.FeeCap <= 0 || c.Gas.TipCap <= 0 {
		errs = append(errs, errors.New("gas fee and tip caps must be positive"))
	}
	if c.Gas.TipCap > c.Gas.FeeCap {
		errs = append(errs, errors.New("gas tip cap exceeds fee cap"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.ArtifactsDir == "" {
		errs = append(errs, errors.New("artifacts_dir is required"))
	}
	if err := c.ValidateOutput(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DeployerKey parses the private key and checks it against PublicAddress.
func (c *Config) DeployerKey() (*ecdsa.PrivateKey, common.Address, error) {
	key, addr, err := parsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, common.Address{}, err
	}
	if c.PublicAddress != "" {
		pub, err := parseAddress(c.PublicAddress)
		if err != nil {
			return nil, common.Address{}, err
		}
		if pub != addr {
			return nil, common.Address{}, fmt.Errorf("public-address %s does not match private key address %s", pub.Hex(), addr.Hex())
		}
	}
	return key, addr, nil
}

func parsePrivateKey(v string) (*ecdsa.PrivateKey, common.Address, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "0x")
	key, err := crypto.HexToECDSA(v)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("parse private key: %w", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

func parseAddress(v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid address: %s", v)
	}
	return common.HexToAddress(v), nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to w so stdout stays free for the report.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
