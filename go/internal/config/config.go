// Package config loads watcher settings from flags, KURO_* environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"

	EnvPrefix = "KURO"
)

var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrMissingPushURL   = errors.New("push url is required")
)

// Config holds every setting the watcher reads at startup.
type Config struct {
	Transport     string
	PushURL       string
	NATSURL       string
	SubjectPrefix string

	APIURL       string
	RPCURL       string
	ChainID      *big.Int
	PrivateKey   string
	ReferralCode string

	LegacyPool     string
	MultiTokenPool string
	Decimals       int32
	MinDeposit     decimal.Decimal

	VisualBuffer   time.Duration
	SpinDuration   time.Duration
	ShowWinnerFor  time.Duration
	MaxAttempts    int
	ReconnectDelay time.Duration
	RandomSeed     uint64

	StatusAddr string
	PrizeTable string
	LogLevel   string
}

// RegisterFlags adds the watcher flags to fs. Flag names double as viper
// keys, so KURO_PUSH_URL sets push-url.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file path")
	fs.String("transport", TransportWebSocket, "push transport (websocket, nats)")
	fs.String("push-url", "ws://localhost:3000/ws", "websocket push server url")
	fs.String("nats-url", "nats://127.0.0.1:4222", "nats server url")
	fs.String("subject-prefix", "kuro", "nats subject prefix")
	fs.String("api-url", "http://localhost:3000", "history and auth api base url")
	fs.String("rpc-url", "", "json-rpc url for pool transactions")
	fs.Int64("chain-id", 0, "chain id, 0 reads it from the node")
	fs.String("private-key", "", "hex private key of the watching wallet")
	fs.String("referral-code", "", "referral code sent on first sign-in")
	fs.String("legacy-pool", "", "legacy pool contract address")
	fs.String("multi-token-pool", "", "multi-token pool contract address")
	fs.Int32("decimals", 18, "native token decimals")
	fs.String("min-deposit", "0.01", "minimum deposit in display units")
	fs.Duration("visual-buffer", 5*time.Second, "subtracted from the round end for display")
	fs.Duration("spin-duration", 5*time.Second, "wheel spin duration")
	fs.Duration("show-winner", 15*time.Second, "how long the winner is shown")
	fs.Int("max-attempts", 5, "consecutive reconnect attempts before giving up")
	fs.Duration("reconnect-delay", time.Second, "delay between reconnect attempts")
	fs.Uint64("random-seed", 0, "seed for spin jitter, 0 picks a random seed")
	fs.String("status-addr", ":8081", "status api listen address, empty disables it")
	fs.String("prize-table", "", "yaml prize table, empty uses the built-in one")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
}

// Load merges the config file, environment and flags. Flags that were set
// explicitly win over the environment, which wins over the file.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags == nil {
		flags = pflag.NewFlagSet("kuro", pflag.ContinueOnError)
		RegisterFlags(flags)
	}
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("failed to bind flags: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		v.SetConfigName("kuro")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	minDeposit, err := decimal.NewFromString(v.GetString("min-deposit"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid min-deposit %q: %w", v.GetString("min-deposit"), err)
	}

	cfg := Config{
		Transport:      strings.ToLower(strings.TrimSpace(v.GetString("transport"))),
		PushURL:        v.GetString("push-url"),
		NATSURL:        v.GetString("nats-url"),
		SubjectPrefix:  v.GetString("subject-prefix"),
		APIURL:         v.GetString("api-url"),
		RPCURL:         v.GetString("rpc-url"),
		PrivateKey:     v.GetString("private-key"),
		ReferralCode:   v.GetString("referral-code"),
		LegacyPool:     v.GetString("legacy-pool"),
		MultiTokenPool: v.GetString("multi-token-pool"),
		Decimals:       v.GetInt32("decimals"),
		MinDeposit:     minDeposit,
		VisualBuffer:   v.GetDuration("visual-buffer"),
		SpinDuration:   v.GetDuration("spin-duration"),
		ShowWinnerFor:  v.GetDuration("show-winner"),
		MaxAttempts:    v.GetInt("max-attempts"),
		ReconnectDelay: v.GetDuration("reconnect-delay"),
		RandomSeed:     v.GetUint64("random-seed"),
		StatusAddr:     v.GetString("status-addr"),
		PrizeTable:     v.GetString("prize-table"),
		LogLevel:       v.GetString("log-level"),
	}
	if id := v.GetInt64("chain-id"); id > 0 {
		cfg.ChainID = big.NewInt(id)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings the watcher cannot start without.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportWebSocket:
		if c.PushURL == "" {
			return ErrMissingPushURL
		}
	case TransportNATS:
		if c.NATSURL == "" {
			return ErrMissingPushURL
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max-attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Decimals < 1 {
		return fmt.Errorf("decimals must be at least 1, got %d", c.Decimals)
	}
	return nil
}

// LedgerEnabled reports whether pool transactions can be sent.
func (c Config) LedgerEnabled() bool {
	return c.RPCURL != "" && c.PrivateKey != ""
}
