package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/stake-plus/daget/src/data"
	"github.com/stake-plus/daget/src/logging"
)

// EnvPrefix prefixes every environment override, e.g. DAGET_DATABASE_DSN.
const EnvPrefix = "daget"

type Config struct {
	Logging     logging.Config    `yaml:"logging"`
	Database    data.Config       `yaml:"database"`
	RedisURL    string            `yaml:"redis_url"   split_words:"true"`
	HTTP        HTTPConfig        `yaml:"http"`
	Discord     DiscordConfig     `yaml:"discord"`
	Chain       ChainConfig       `yaml:"chain"`
	Custody     CustodyConfig     `yaml:"custody"`
	Worker      WorkerConfig      `yaml:"worker"`
	Settlement  SettlementConfig  `yaml:"settlement"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"       split_words:"true"`
	AllowOrigins    []string      `yaml:"allow_origins"    split_words:"true"`
	ReserveRate     int           `yaml:"reserve_rate"     split_words:"true"`
	ReserveWindow   time.Duration `yaml:"reserve_window"   split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	// TLS is enabled when both files are set. They are re-read when they change on disk.
	TLSCertFile string `yaml:"tls_cert_file" split_words:"true"`
	TLSKeyFile  string `yaml:"tls_key_file"  split_words:"true"`
}

type DiscordConfig struct {
	Token        string        `yaml:"token"`
	GuildID      string        `yaml:"guild_id"      split_words:"true"`
	EligibleTTL  time.Duration `yaml:"eligible_ttl"  split_words:"true"`
	NotifyDirect bool          `yaml:"notify_direct" split_words:"true"`
	// Commands serves /claim and /claim-status over the gateway alongside the API.
	Commands bool `yaml:"commands"`
}

type ChainConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	SS58Prefix    uint16        `yaml:"ss58_prefix"    split_words:"true"`
	ScanDepth     int           `yaml:"scan_depth"     split_words:"true"`
	ConnectTries  int           `yaml:"connect_tries"  split_words:"true"`
	RetryInterval time.Duration `yaml:"retry_interval" split_words:"true"`
}

type CustodyConfig struct {
	// MasterKey is 32 bytes hex encoded.
	MasterKey string `yaml:"master_key" split_words:"true"`
}

type WorkerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" split_words:"true"`
	BatchSize    int           `yaml:"batch_size"    split_words:"true"`
	Concurrency  int           `yaml:"concurrency"`
	Lease        time.Duration `yaml:"lease"`
}

type SettlementConfig struct {
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"       split_words:"true"`
	ConfirmPollInterval time.Duration `yaml:"confirm_poll_interval" split_words:"true"`
	MaxAttempts         int           `yaml:"max_attempts"          split_words:"true"`
	NotifyTimeout       time.Duration `yaml:"notify_timeout"        split_words:"true"`
}

type IdempotencyConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	InFlightTTL time.Duration `yaml:"in_flight_ttl" split_words:"true"`
}

// Default returns the configuration used when nothing overrides a value.
func Default() Config {
	return Config{
		Logging:  logging.Config{Level: "info", Format: "text"},
		Database: data.Config{Driver: "mysql", SlowThreshold: time.Second},
		RedisURL: "redis://localhost:6379/0",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			AllowOrigins:    []string{"http://localhost:3000"},
			ReserveRate:     5,
			ReserveWindow:   time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Discord: DiscordConfig{EligibleTTL: 5 * time.Minute},
		Chain: ChainConfig{
			Endpoint:      "wss://rpc.polkadot.io",
			SS58Prefix:    0,
			ScanDepth:     64,
			ConnectTries:  5,
			RetryInterval: 2 * time.Second,
		},
		Worker: WorkerConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    10,
			Concurrency:  4,
			Lease:        5 * time.Minute,
		},
		Settlement: SettlementConfig{
			ConfirmTimeout:      90 * time.Second,
			ConfirmPollInterval: 6 * time.Second,
			MaxAttempts:         5,
			NotifyTimeout:       5 * time.Second,
		},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour, InFlightTTL: 30 * time.Second},
	}
}

// Load reads the optional YAML file over the defaults, then applies DAGET_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

// settings maps the names allowed in the settings table to the field each one overrides.
var settings = map[string]func(*Config, string){
	"discord_token": func(c *Config, v string) { c.Discord.Token = v },
	"guild_id":      func(c *Config, v string) { c.Discord.GuildID = v },
	"rpc_endpoint":  func(c *Config, v string) { c.Chain.Endpoint = v },
}

// CheckSetting rejects names ApplySettings would ignore.
func CheckSetting(name string) error {
	if _, ok := settings[name]; !ok {
		return fmt.Errorf("unknown setting %q", name)
	}
	return nil
}

// ApplySettings lets rows in the settings table (see data.LoadSettings) win over file and env values.
func (c *Config) ApplySettings() {
	for name, apply := range settings {
		if v := data.GetSetting(name); v != "" {
			apply(c, v)
		}
	}
}

// Validate checks the values every command needs.
func (c Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Worker.BatchSize < 1 || c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.batch_size and worker.concurrency must be positive"))
	}
	if c.Worker.PollInterval <= 0 || c.Worker.Lease <= 0 {
		errs = append(errs, errors.New("worker.poll_interval and worker.lease must be positive"))
	}
	if c.Settlement.MaxAttempts < 1 {
		errs = append(errs, errors.New("settlement.max_attempts must be positive"))
	}
	if c.Settlement.ConfirmTimeout <= 0 || c.Settlement.ConfirmPollInterval <= 0 {
		errs = append(errs, errors.New("settlement timeouts must be positive"))
	}
	if c.Discord.Commands && c.Discord.Token == "" {
		errs = append(errs, errors.New("discord.commands needs discord.token"))
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		errs = append(errs, errors.New("http.tls_cert_file and http.tls_key_file must be set together"))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	return errors.Join(errs...)
}

// MasterKey decodes the custody master key.
func (c Config) MasterKey() ([]byte, error) {
	key, err := hex.DecodeString(trim0x(c.Custody.MasterKey))
	if err != nil {
		return nil, fmt.Errorf("config: custody.master_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: custody.master_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func trim0x(s string) string {
	if len(s) > 1 && s[:2] == "0x" {
		return s[2:]
	}
	return s
}
