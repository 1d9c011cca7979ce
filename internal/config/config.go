// Package config provides configuration management for gompminer.
// Values come from built-in defaults, an optional TOML file, and environment
// variables, in increasing order of precedence. Command-line flags are applied
// on top by the caller.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pelletier/go-toml/v2"

	"github.com/bardlex/gompminer/internal/bitcoin"
	"github.com/bardlex/gompminer/internal/stratum"
)

// Duration is a time.Duration that reads and writes as "30s" in TOML.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds the full miner configuration
type Config struct {
	ServiceName string `toml:"-"`
	Version     string `toml:"-"`

	Pool    Pool    `toml:"pool"`
	Miner   Miner   `toml:"miner"`
	Bitcoin Bitcoin `toml:"bitcoin"`
	Sinks   Sinks   `toml:"sinks"`
	Log     Log     `toml:"log"`
}

// Pool is the Stratum connection configuration.
type Pool struct {
	URL                string   `toml:"url" comment:"host:port, stratum+tcp://host:port or stratum+ssl://host:port"`
	User               string   `toml:"user" comment:"COIN.address or COIN:address"`
	Worker             string   `toml:"worker" comment:"optional, appended as <user>.<worker>"`
	Password           string   `toml:"password"`
	UserAgent          string   `toml:"user_agent"`
	AltSeparator       string   `toml:"alt_separator" comment:"auto: retry authorize with the other separator | off"`
	SuggestDifficulty  float64  `toml:"suggest_difficulty" comment:"0 disables mining.suggest_difficulty"`
	TLSInsecure        bool     `toml:"tls_insecure"`
	FollowRedirects    bool     `toml:"follow_redirects" comment:"allow client.reconnect to switch host"`
	DialTimeout        Duration `toml:"dial_timeout"`
	RequestTimeout     Duration `toml:"request_timeout"`
	ReconnectBaseDelay Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay  Duration `toml:"reconnect_max_delay"`
}

// Miner is the hash engine configuration.
type Miner struct {
	Workers          int      `toml:"workers"`
	BatchSize        int      `toml:"batch_size" comment:"nonces per worker between job checks"`
	HashrateInterval Duration `toml:"hashrate_interval"`
	MaxTimeSkew      Duration `toml:"max_time_skew" comment:"how far ntime may run ahead of the clock"`
}

// Bitcoin is the node-side configuration.
type Bitcoin struct {
	Chain           string `toml:"chain" comment:"mainnet | testnet | regtest | signet | simnet"`
	ValidateAddress bool   `toml:"validate_address" comment:"check the payout address in pool.user"`
	ZMQAddr         string `toml:"zmq_addr" comment:"optional, e.g. tcp://127.0.0.1:28332, watches hashblock"`

	// Polling the node over RPC is the fallback when ZMQ is not available.
	RPCHost         string   `toml:"rpc_host" comment:"optional, e.g. 127.0.0.1:8332, polled for the best block"`
	RPCUser         string   `toml:"rpc_user"`
	RPCPassword     string   `toml:"rpc_password"`
	RPCPollInterval Duration `toml:"rpc_poll_interval"`
}

// Sinks are the optional outputs for miner events. Each is enabled by setting its address.
type Sinks struct {
	RedisURL     string   `toml:"redis_url"`
	PostgresURL  string   `toml:"postgres_url"`
	InfluxURL    string   `toml:"influx_url"`
	InfluxToken  string   `toml:"influx_token"`
	InfluxOrg    string   `toml:"influx_org"`
	InfluxBucket string   `toml:"influx_bucket"`
	KafkaBrokers []string `toml:"kafka_brokers"`
}

// Log is the logging configuration.
type Log struct {
	Level   string `toml:"level" comment:"debug | info | warn | error"`
	Format  string `toml:"format" comment:"json | text"`
	Console bool   `toml:"console" comment:"print colored share and hashrate lines to stderr"`
}

// Alternate-separator modes.
const (
	AltSeparatorAuto = "auto"
	AltSeparatorOff  = "off"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServiceName: "gompminer",
		Version:     "dev",
		Pool: Pool{
			Password:           "x",
			UserAgent:          stratum.DefaultUserAgent,
			AltSeparator:       AltSeparatorAuto,
			DialTimeout:        Duration{30 * time.Second},
			RequestTimeout:     Duration{30 * time.Second},
			ReconnectBaseDelay: Duration{time.Second},
			ReconnectMaxDelay:  Duration{30 * time.Second},
		},
		Miner: Miner{
			Workers:          1,
			BatchSize:        65536,
			HashrateInterval: Duration{10 * time.Second},
			MaxTimeSkew:      Duration{2 * time.Hour},
		},
		Bitcoin: Bitcoin{
			Chain:           "mainnet",
			RPCPollInterval: Duration{5 * time.Second},
		},
		Sinks: Sinks{
			InfluxOrg:    "gomp",
			InfluxBucket: "mining",
		},
		Log: Log{
			Level:   "info",
			Format:  "json",
			Console: true,
		},
	}
}

// Load builds the configuration from defaults, the TOML file at path (if not
// empty), the environment and then overrides, in that order, and validates it.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	for _, o := range overrides {
		o(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes the TOML file at path over cfg. Unknown keys are an error.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	d := toml.NewDecoder(f)
	d.DisallowUnknownFields()
	if err := d.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return nil
}

// Encode renders cfg as commented TOML, suitable as a starting config file.
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// applyEnv overrides cfg with any variables set in the environment.
func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)

	c.Pool.URL = getEnv("POOL_URL", c.Pool.URL)
	c.Pool.User = getEnv("POOL_USER", c.Pool.User)
	c.Pool.Worker = getEnv("POOL_WORKER", c.Pool.Worker)
	c.Pool.Password = getEnv("POOL_PASSWORD", c.Pool.Password)
	c.Pool.UserAgent = getEnv("POOL_USER_AGENT", c.Pool.UserAgent)
	c.Pool.AltSeparator = getEnv("POOL_ALT_SEPARATOR", c.Pool.AltSeparator)
	c.Pool.SuggestDifficulty = getEnvFloat("POOL_SUGGEST_DIFFICULTY", c.Pool.SuggestDifficulty)
	c.Pool.TLSInsecure = getEnvBool("POOL_TLS_INSECURE", c.Pool.TLSInsecure)
	c.Pool.FollowRedirects = getEnvBool("POOL_FOLLOW_REDIRECTS", c.Pool.FollowRedirects)
	c.Pool.DialTimeout.Duration = getEnvDuration("DIAL_TIMEOUT", c.Pool.DialTimeout.Duration)
	c.Pool.RequestTimeout.Duration = getEnvDuration("REQUEST_TIMEOUT", c.Pool.RequestTimeout.Duration)
	c.Pool.ReconnectBaseDelay.Duration = getEnvDuration("RECONNECT_BASE_DELAY", c.Pool.ReconnectBaseDelay.Duration)
	c.Pool.ReconnectMaxDelay.Duration = getEnvDuration("RECONNECT_MAX_DELAY", c.Pool.ReconnectMaxDelay.Duration)

	c.Miner.Workers = getEnvInt("MINER_WORKERS", c.Miner.Workers)
	c.Miner.BatchSize = getEnvInt("MINER_BATCH_SIZE", c.Miner.BatchSize)
	c.Miner.HashrateInterval.Duration = getEnvDuration("HASHRATE_INTERVAL", c.Miner.HashrateInterval.Duration)
	c.Miner.MaxTimeSkew.Duration = getEnvDuration("MAX_TIME_SKEW", c.Miner.MaxTimeSkew.Duration)

	c.Bitcoin.Chain = getEnv("BITCOIN_CHAIN", c.Bitcoin.Chain)
	c.Bitcoin.ValidateAddress = getEnvBool("VALIDATE_ADDRESS", c.Bitcoin.ValidateAddress)
	c.Bitcoin.ZMQAddr = getEnv("BITCOIN_ZMQ_ADDR", c.Bitcoin.ZMQAddr)
	c.Bitcoin.RPCHost = getEnv("BITCOIN_RPC_HOST", c.Bitcoin.RPCHost)
	c.Bitcoin.RPCUser = getEnv("BITCOIN_RPC_USER", c.Bitcoin.RPCUser)
	c.Bitcoin.RPCPassword = getEnv("BITCOIN_RPC_PASSWORD", c.Bitcoin.RPCPassword)
	c.Bitcoin.RPCPollInterval.Duration = getEnvDuration("BITCOIN_RPC_POLL_INTERVAL", c.Bitcoin.RPCPollInterval.Duration)

	c.Sinks.RedisURL = getEnv("REDIS_URL", c.Sinks.RedisURL)
	c.Sinks.PostgresURL = getEnv("POSTGRES_URL", c.Sinks.PostgresURL)
	c.Sinks.InfluxURL = getEnv("INFLUX_URL", c.Sinks.InfluxURL)
	c.Sinks.InfluxToken = getEnv("INFLUX_TOKEN", c.Sinks.InfluxToken)
	c.Sinks.InfluxOrg = getEnv("INFLUX_ORG", c.Sinks.InfluxOrg)
	c.Sinks.InfluxBucket = getEnv("INFLUX_BUCKET", c.Sinks.InfluxBucket)
	c.Sinks.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.Sinks.KafkaBrokers)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Console = getEnvBool("LOG_CONSOLE", c.Log.Console)
}

// Validate performs basic validation of configuration values
func (c *Config) Validate() error {
	if c.Pool.URL == "" {
		return fmt.Errorf("POOL_URL cannot be empty")
	}
	if _, err := stratum.ParseEndpoint(c.Pool.URL); err != nil {
		return fmt.Errorf("POOL_URL: %w", err)
	}

	if c.Pool.User == "" {
		return fmt.Errorf("POOL_USER cannot be empty")
	}

	switch c.Pool.AltSeparator {
	case AltSeparatorAuto, AltSeparatorOff:
	default:
		return fmt.Errorf("POOL_ALT_SEPARATOR must be %q or %q", AltSeparatorAuto, AltSeparatorOff)
	}

	if c.Pool.SuggestDifficulty < 0 {
		return fmt.Errorf("POOL_SUGGEST_DIFFICULTY cannot be negative")
	}

	for name, d := range map[string]time.Duration{
		"DIAL_TIMEOUT":         c.Pool.DialTimeout.Duration,
		"REQUEST_TIMEOUT":      c.Pool.RequestTimeout.Duration,
		"RECONNECT_BASE_DELAY": c.Pool.ReconnectBaseDelay.Duration,
		"RECONNECT_MAX_DELAY":  c.Pool.ReconnectMaxDelay.Duration,
		"HASHRATE_INTERVAL":    c.Miner.HashrateInterval.Duration,
		"MAX_TIME_SKEW":        c.Miner.MaxTimeSkew.Duration,

		"BITCOIN_RPC_POLL_INTERVAL": c.Bitcoin.RPCPollInterval.Duration,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Pool.ReconnectMaxDelay.Duration < c.Pool.ReconnectBaseDelay.Duration {
		return fmt.Errorf("RECONNECT_MAX_DELAY must not be less than RECONNECT_BASE_DELAY")
	}

	if c.Miner.Workers <= 0 {
		return fmt.Errorf("MINER_WORKERS must be positive")
	}
	if c.Miner.BatchSize <= 0 || int64(c.Miner.BatchSize) > math.MaxUint32 {
		return fmt.Errorf("MINER_BATCH_SIZE must be between 1 and %d", uint32(math.MaxUint32))
	}

	params, err := bitcoin.ChainParams(c.Bitcoin.Chain)
	if err != nil {
		return fmt.Errorf("BITCOIN_CHAIN: %w", err)
	}
	if c.Bitcoin.ValidateAddress {
		if err := bitcoin.ValidateAddress(c.PayoutAddress(), params); err != nil {
			return fmt.Errorf("POOL_USER: %w", err)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	return nil
}

// Identity is the authorize user: <user> or <user>.<worker>.
func (c *Config) Identity() string {
	if c.Pool.Worker == "" {
		return c.Pool.User
	}
	return c.Pool.User + "." + c.Pool.Worker
}

// RetryAlternate reports whether authorize may retry with the other separator.
func (c *Config) RetryAlternate() bool {
	return c.Pool.AltSeparator == AltSeparatorAuto
}

// PayoutAddress extracts the address from POOL_USER, dropping a leading
// upper-case coin tag and any worker suffix.
func (c *Config) PayoutAddress() string {
	parts := strings.FieldsFunc(c.Pool.User, func(r rune) bool { return r == '.' || r == ':' })
	if len(parts) == 0 {
		return ""
	}
	if len(parts) > 1 && isCoinTag(parts[0]) {
		return parts[1]
	}
	return parts[0]
}

func isCoinTag(s string) bool {
	if len(s) < 2 || len(s) > 6 {
		return false
	}
	for _, r := range s {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
