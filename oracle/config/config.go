package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/GPTx-global/inferd/oracle/log"
)

const (
	FileName = "config.toml"
	EnvFile  = ".env"

	ReaderLCD = "lcd"
	ReaderCLI = "cli"

	SecretsMemory = "memory"
	SecretsAWS    = "aws"

	QueueMemory = "memory"
	QueueRedis  = "redis"

	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Duration is a time.Duration that reads and writes as "1s", "500ms", ...
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	RPC      RPCConfig      `toml:"rpc"`
	Gas      GasConfig      `toml:"gas"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Wallet   WalletConfig   `toml:"wallet"`
	Secrets  SecretsConfig  `toml:"secrets"`
	DB       DBConfig       `toml:"db"`
	Queue    QueueConfig    `toml:"queue"`
	Logger   LoggerConfig   `toml:"logger"`
	Health   HealthConfig   `toml:"health"`
}

type ChainConfig struct {
	ID            string   `toml:"id"`
	RPCEndpoints  []string `toml:"rpc_endpoints" envconfig:"RPC_ENDPOINTS"`
	LCDEndpoint   string   `toml:"lcd_endpoint" envconfig:"LCD_ENDPOINT"`
	Reader        string   `toml:"reader"` // lcd | cli
	CLIBinary     string   `toml:"cli_binary"`
	AddressPrefix string   `toml:"address_prefix"`
	Denom         string   `toml:"denom"`
	HDPath        string   `toml:"hd_path"`
}

type RPCConfig struct {
	MaxRetries  int      `toml:"max_retries"`
	BaseBackoff Duration `toml:"base_backoff"`
	Timeout     Duration `toml:"timeout"`
}

type GasConfig struct {
	Prices        string  `toml:"prices"`
	Limit         uint64  `toml:"limit"`
	Adjustment    float64 `toml:"adjustment"`
	FastBroadcast bool    `toml:"fast_broadcast"`
}

type PipelineConfig struct {
	Concurrency       int      `toml:"concurrency"`
	RateLimitJobs     int      `toml:"rate_limit_jobs"`
	RateLimitWindow   Duration `toml:"rate_limit_window"`
	MaxAttempts       int      `toml:"max_attempts"`
	RetryBackoff      Duration `toml:"retry_backoff"`
	WebhookTimeout    Duration `toml:"webhook_timeout"`
	WebhookRetries    int      `toml:"webhook_retries"`
	NonceScanCap      int      `toml:"nonce_scan_cap"`
	BypassEligibility bool     `toml:"bypass_eligibility"`
	Schedule          string   `toml:"schedule"`
}

type WalletConfig struct {
	TreasurySecretRef string `toml:"treasury_secret_ref" envconfig:"TREASURY_SECRET_REF"`
	MinBalance        string `toml:"min_balance"`
	TopUpAmount       string `toml:"top_up_amount"`
}

type SecretsConfig struct {
	Backend   string `toml:"backend"` // memory | aws
	AWSRegion string `toml:"aws_region" envconfig:"AWS_REGION"`
	AWSPrefix string `toml:"aws_prefix"`
}

type DBConfig struct {
	Driver     string `toml:"driver"`
	DSN        string `toml:"dsn"`
	LogQueries bool   `toml:"log_queries"`
}

type QueueConfig struct {
	Backend       string `toml:"backend"` // memory | redis
	RedisAddr     string `toml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db"`
	RedisKey      string `toml:"redis_key"`
}

type LoggerConfig struct {
	Level       string `toml:"level"` // DEBUG, INFO, WARN, ERROR
	File        string `toml:"file"`
	MaxFileSize int    `toml:"max_file_size"`
	Console     bool   `toml:"console"`
}

type HealthConfig struct {
	ListenAddr string   `toml:"listen_addr"`
	Interval   Duration `toml:"interval"`
}

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			ID:            "allora-testnet-1",
			RPCEndpoints:  []string{"http://localhost:26657"},
			LCDEndpoint:   "http://localhost:1317",
			Reader:        ReaderLCD,
			CLIBinary:     "allorad",
			AddressPrefix: "allo",
			Denom:         "uallo",
			HDPath:        "m/44'/118'/0'/0/0",
		},
		RPC: RPCConfig{
			MaxRetries:  3,
			BaseBackoff: Duration(time.Second),
			Timeout:     Duration(10 * time.Second),
		},
		Gas: GasConfig{
			Prices:        "10uallo",
			Limit:         300000,
			Adjustment:    1.2,
			FastBroadcast: true,
		},
		Pipeline: PipelineConfig{
			Concurrency:     4,
			RateLimitJobs:   10,
			RateLimitWindow: Duration(time.Second),
			MaxAttempts:     3,
			RetryBackoff:    Duration(5 * time.Second),
			WebhookTimeout:  Duration(10 * time.Second),
			WebhookRetries:  1,
			NonceScanCap:    200,
			Schedule:        "@every 1m",
		},
		Wallet: WalletConfig{
			TreasurySecretRef: "treasury",
			MinBalance:        "1000000",
			TopUpAmount:       "5000000",
		},
		Secrets: SecretsConfig{
			Backend:   SecretsMemory,
			AWSRegion: "us-east-1",
			AWSPrefix: "inferd/",
		},
		DB: DBConfig{
			Driver: DriverPostgres,
			DSN:    "host=localhost user=inferd password=inferd dbname=inferd port=5432 sslmode=disable",
		},
		Queue: QueueConfig{
			Backend:   QueueMemory,
			RedisAddr: "localhost:6379",
			RedisKey:  "inferd:jobs",
		},
		Logger: LoggerConfig{
			Level:       "INFO",
			File:        "inferd.log",
			MaxFileSize: 100,
			Console:     true,
		},
		Health: HealthConfig{
			ListenAddr: ":8080",
			Interval:   Duration(30 * time.Second),
		},
	}
}

// Load reads <home>/config.toml (creating it with defaults if missing), then
// applies <home>/.env and process environment overrides. Environment keys are
// INFERD_<SECTION>_<KEY>, e.g. INFERD_CHAIN_ID or INFERD_QUEUE_REDIS_ADDR.
func Load(home string) (*Config, error) {
	path := filepath.Join(home, FileName)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeDefault(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		log.Infof("Wrote default config to %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	if err := godotenv.Load(filepath.Join(home, EnvFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := envconfig.Process("INFERD", cfg); err != nil {
		return nil, fmt.Errorf("failed to read env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Infof("Loaded config from %s", path)
	return cfg, nil
}

func writeDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal TOML: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

func (c *Config) Validate() error {
	if c.Chain.ID == "" {
		return fmt.Errorf("chain id is required")
	}
	if len(c.Chain.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one rpc endpoint is required")
	}
	switch c.Chain.Reader {
	case ReaderLCD:
		if c.Chain.LCDEndpoint == "" {
			return fmt.Errorf("lcd endpoint is required for the lcd reader")
		}
	case ReaderCLI:
		if c.Chain.CLIBinary == "" {
			return fmt.Errorf("cli binary is required for the cli reader")
		}
	default:
		return fmt.Errorf("unknown chain reader %q", c.Chain.Reader)
	}
	if c.Chain.AddressPrefix == "" || c.Chain.Denom == "" || c.Chain.HDPath == "" {
		return fmt.Errorf("address prefix, denom and hd path are required")
	}

	if c.RPC.MaxRetries < 1 {
		return fmt.Errorf("rpc max retries must be at least 1")
	}
	if c.RPC.BaseBackoff <= 0 {
		return fmt.Errorf("rpc base backoff must be positive")
	}
	// the tendermint client takes whole seconds
	if c.RPC.Timeout.Std() < time.Second {
		return fmt.Errorf("rpc timeout must be at least 1s")
	}

	if c.Gas.Prices == "" {
		return fmt.Errorf("gas prices is required")
	}
	if c.Gas.Limit == 0 {
		return fmt.Errorf("gas limit is required")
	}

	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline concurrency must be at least 1")
	}
	if c.Pipeline.RateLimitJobs < 1 || c.Pipeline.RateLimitWindow <= 0 {
		return fmt.Errorf("pipeline rate limit must allow at least one job per window")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline max attempts must be at least 1")
	}
	if c.Pipeline.RetryBackoff <= 0 {
		return fmt.Errorf("pipeline retry backoff must be positive")
	}
	if c.Pipeline.WebhookTimeout <= 0 {
		return fmt.Errorf("pipeline webhook timeout must be positive")
	}
	if c.Pipeline.WebhookRetries < 0 {
		return fmt.Errorf("pipeline webhook retries must not be negative")
	}
	if c.Pipeline.NonceScanCap < 1 {
		return fmt.Errorf("nonce scan cap must be at least 1")
	}
	if c.Pipeline.Schedule == "" {
		return fmt.Errorf("pipeline schedule is required")
	}

	switch c.Secrets.Backend {
	case SecretsMemory, SecretsAWS:
	default:
		return fmt.Errorf("unknown secrets backend %q", c.Secrets.Backend)
	}

	switch strings.ToLower(c.DB.Driver) {
	case DriverPostgres, DriverMySQL:
	default:
		return fmt.Errorf("unknown db driver %q", c.DB.Driver)
	}

	switch c.Queue.Backend {
	case QueueMemory, QueueRedis:
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}

	return nil
}

// LogOptions converts the logger section for log.ResetLogger.
func (c *Config) LogOptions() log.Options {
	return log.Options{
		Level:       c.Logger.Level,
		File:        c.Logger.File,
		MaxFileSize: c.Logger.MaxFileSize,
		Console:     c.Logger.Console,
	}
}

func (c *Config) Print() {
	log.Infof("%-20s: %s", "Chain ID", c.Chain.ID)
	log.Infof("%-20s: %s", "RPC Endpoints", strings.Join(c.Chain.RPCEndpoints, ","))
	log.Infof("%-20s: %s", "Chain Reader", c.Chain.Reader)
	log.Infof("%-20s: %s", "Gas Prices", c.Gas.Prices)
	log.Infof("%-20s: %d", "Gas Limit", c.Gas.Limit)
	log.Infof("%-20s: %t", "Fast Broadcast", c.Gas.FastBroadcast)
	log.Infof("%-20s: %d", "Concurrency", c.Pipeline.Concurrency)
	log.Infof("%-20s: %d / %s", "Rate Limit", c.Pipeline.RateLimitJobs, c.Pipeline.RateLimitWindow.Std())
	log.Infof("%-20s: %s", "Secrets Backend", c.Secrets.Backend)
	log.Infof("%-20s: %s", "Queue Backend", c.Queue.Backend)
	if c.Pipeline.BypassEligibility {
		log.Warnf("eligibility checks are bypassed, do not use this in production")
	}
}
