package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for takeback.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	Store         string // allocation store backend: sqlite, postgres or dynamodb
	PostgresDSN   string
	DynamoDBTable string
	DynamoDBIndex string // GSI keyed on in_use
	AWSRegion     string

	SipMediaApplicationID string
	TransferTargetNumber  string // voice connector phone number calls are transferred to
	TransferTargetArn     string // voice connector ARN
	ConnectInstanceID     string
	ConnectContactFlowID  string

	JWTSecret string // hex-encoded 32-byte secret for admin token signing

	LeaseTTL         time.Duration // 0 disables the lease reaper
	ReapInterval     time.Duration
	ClaimMaxAttempts int

	AnnounceText       string
	HoldText           string
	NoCapacityText     string
	VoiceID            string
	CallTimeoutSeconds int
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPPort         = 8080
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultStore            = "sqlite"
	defaultDynamoDBIndex    = "in_use"
	defaultReapInterval     = time.Minute
	defaultClaimMaxAttempts = 5
	defaultAnnounceText     = "We are currently in a SIP media application.  Transferring to Connect"
	defaultHoldText         = "Please hold while we connect you"
	defaultNoCapacityText   = "We are sorry, all of our lines are busy. Please try again later."
	defaultVoiceID          = "Joanna"
	defaultCallTimeout      = 30
)

// envPrefix is the prefix for all takeback environment variables.
const envPrefix = "TAKEBACK_"

// Load parses the process command line and environment.
func Load() (*Config, error) {
	cfg, _, err := LoadArgs("takeback", os.Args[1:], nil)
	return cfg, err
}

// LoadArgs parses configuration from args and environment variables. extra,
// if non-nil, may register additional flags on the set before parsing. The
// remaining positional arguments are returned.
func LoadArgs(name string, args []string, extra func(fs *flag.FlagSet)) (*Config, []string, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite allocation store")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.Store, "store", defaultStore, "allocation store backend (sqlite, postgres, dynamodb)")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "PostgreSQL connection string (store=postgres)")
	fs.StringVar(&cfg.DynamoDBTable, "dynamodb-table", "", "DynamoDB table name (store=dynamodb)")
	fs.StringVar(&cfg.DynamoDBIndex, "dynamodb-index", defaultDynamoDBIndex, "DynamoDB global secondary index keyed on in_use")
	fs.StringVar(&cfg.AWSRegion, "aws-region", "", "AWS region (defaults to the SDK's resolution)")
	fs.StringVar(&cfg.SipMediaApplicationID, "sip-media-application-id", "", "SIP media application that receives call updates")
	fs.StringVar(&cfg.TransferTargetNumber, "transfer-target-number", "", "phone number calls are transferred to")
	fs.StringVar(&cfg.TransferTargetArn, "transfer-target-arn", "", "voice connector ARN calls are transferred to")
	fs.StringVar(&cfg.ConnectInstanceID, "connect-instance-id", "", "Amazon Connect instance id")
	fs.StringVar(&cfg.ConnectContactFlowID, "connect-contact-flow-id", "", "Amazon Connect contact flow id numbers are associated with")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin token signing (auto-generated if empty)")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", 0, "release pairs claimed longer than this ago (0 disables)")
	fs.DurationVar(&cfg.ReapInterval, "reap-interval", defaultReapInterval, "how often to look for expired leases")
	fs.IntVar(&cfg.ClaimMaxAttempts, "claim-max-attempts", defaultClaimMaxAttempts, "store failures tolerated per claim before giving up")
	fs.StringVar(&cfg.AnnounceText, "announce-text", defaultAnnounceText, "message spoken before bridging to the routing engine")
	fs.StringVar(&cfg.HoldText, "hold-text", defaultHoldText, "message spoken before bridging to the transfer target")
	fs.StringVar(&cfg.NoCapacityText, "no-capacity-text", defaultNoCapacityText, "message spoken when no pair is available")
	fs.StringVar(&cfg.VoiceID, "voice-id", defaultVoiceID, "text-to-speech voice")
	fs.IntVar(&cfg.CallTimeoutSeconds, "call-timeout", defaultCallTimeout, "bridge call timeout in seconds")

	if extra != nil {
		extra(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	if err := applyEnvOverrides(fs); err != nil {
		return nil, nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, fs.Args(), nil
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its TAKEBACK_ environment variable, if present.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		envVar := EnvName(f.Name)
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if setErr := fs.Set(f.Name, val); setErr != nil {
			err = fmt.Errorf("invalid %s: %w", envVar, setErr)
		}
	})
	return err
}

// EnvName returns the environment variable consulted for a flag.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	c.Store = strings.ToLower(c.Store)
	switch c.Store {
	case "sqlite":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is required when store is postgres")
		}
	case "dynamodb":
		if c.DynamoDBTable == "" {
			return fmt.Errorf("dynamodb-table is required when store is dynamodb")
		}
	default:
		return fmt.Errorf("store must be one of sqlite, postgres, dynamodb; got %q", c.Store)
	}

	// Transfer target number and ARN must both be set or both be empty.
	if (c.TransferTargetNumber == "") != (c.TransferTargetArn == "") {
		return fmt.Errorf("transfer-target-number and transfer-target-arn must both be provided or both be omitted")
	}

	if c.ClaimMaxAttempts < 1 {
		return fmt.Errorf("claim-max-attempts must be at least 1, got %d", c.ClaimMaxAttempts)
	}
	if c.LeaseTTL < 0 {
		return fmt.Errorf("lease-ttl must not be negative, got %s", c.LeaseTTL)
	}
	if c.LeaseTTL > 0 && c.ReapInterval <= 0 {
		return fmt.Errorf("reap-interval must be positive when lease-ttl is set, got %s", c.ReapInterval)
	}
	if c.CallTimeoutSeconds < 1 || c.CallTimeoutSeconds > 120 {
		return fmt.Errorf("call-timeout must be between 1 and 120, got %d", c.CallTimeoutSeconds)
	}

	return nil
}

// TransferEnabled reports whether transfer lookups can trigger a transfer.
func (c *Config) TransferEnabled() bool {
	return c.SipMediaApplicationID != "" && c.TransferTargetNumber != ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
