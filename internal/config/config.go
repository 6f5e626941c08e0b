package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	Env       string          `yaml:"env"` // "production" or "development"
	Log       LogConfig       `yaml:"log"`
	Chain     ChainConfig     `yaml:"chain"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Peers     PeersConfig     `yaml:"peers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Ops       OpsConfig       `yaml:"ops"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "json" or "text"
}

// ChainConfig contains BNB chain connection and contract settings
type ChainConfig struct {
	RPCURL                 string `yaml:"rpc_url"`
	PrivateKey             string `yaml:"private_key"`
	ChainID                int64  `yaml:"chain_id"`
	Confirmations          int    `yaml:"confirmations"`
	OracleRegistryAddress  string `yaml:"oracle_registry_address"`
	ProposalManagerAddress string `yaml:"proposal_manager_address"`
	StakingManagerAddress  string `yaml:"staking_manager_address"`
	LivenessWindowSecs     int    `yaml:"liveness_window_secs"` // default: 7200 (2h)
}

// LivenessWindow returns the configured liveness window duration.
func (c ChainConfig) LivenessWindow() time.Duration {
	return time.Duration(c.LivenessWindowSecs) * time.Second
}

// RedisConfig contains cache and job store settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// PostgresConfig carries the event-manager deployment's database settings.
// The engine itself opens no database connection; the keys are part of the
// deployment contract and are validated with the rest of the configuration.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// PeersConfig contains the peer service base URLs
type PeersConfig struct {
	EventManagerURL        string `yaml:"event_manager_url"`
	ProposalServiceURL     string `yaml:"proposal_service_url"`
	DisputeServiceURL      string `yaml:"dispute_service_url"`
	RewardServiceURL       string `yaml:"reward_service_url"`
	NotificationServiceURL string `yaml:"notification_service_url"`
}

// SchedulerConfig contains job queue worker settings
type SchedulerConfig struct {
	PollIntervalMS    int `yaml:"poll_interval_ms"`   // default: 1000
	LivenessWorkers   int `yaml:"liveness_workers"`   // default: 4
	SettlementWorkers int `yaml:"settlement_workers"` // default: 4
}

// PollInterval returns the worker poll interval.
func (s SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// IndexerConfig contains chain indexer settings
type IndexerConfig struct {
	IntervalSecs int     `yaml:"interval_secs"`  // default: 10
	SeedLookback uint64  `yaml:"seed_lookback"`  // default: 100 blocks
	RPCRateLimit float64 `yaml:"rpc_rate_limit"` // requests per second
}

// Interval returns the polling interval.
func (i IndexerConfig) Interval() time.Duration {
	return time.Duration(i.IntervalSecs) * time.Second
}

// OpsConfig contains the operational HTTP listener settings
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Env: "development",
		Log: LogConfig{Level: "info", Format: "json"},
		Chain: ChainConfig{
			ChainID:            56, // BNB mainnet
			Confirmations:      1,
			LivenessWindowSecs: 7200,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Postgres: PostgresConfig{
			Host: "localhost",
			Port: 5432,
		},
		Scheduler: SchedulerConfig{
			PollIntervalMS:    1000,
			LivenessWorkers:   4,
			SettlementWorkers: 4,
		},
		Indexer: IndexerConfig{
			IntervalSecs: 10,
			SeedLookback: 100,
			RPCRateLimit: 10,
		},
		Ops: OpsConfig{ListenAddr: ":9464"},
	}
}

// Load reads the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides, then validation. A validation
// failure is fatal at startup by contract.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.Env, "NODE_ENV")
	setStr(&c.Chain.RPCURL, "BNB_RPC_URL")
	setStr(&c.Chain.PrivateKey, "PRIVATE_KEY")
	setStr(&c.Chain.OracleRegistryAddress, "ORACLE_REGISTRY_ADDRESS")
	setStr(&c.Chain.ProposalManagerAddress, "PROPOSAL_MANAGER_ADDRESS")
	setStr(&c.Chain.StakingManagerAddress, "STAKING_MANAGER_ADDRESS")

	setStr(&c.Redis.Host, "REDIS_HOST")
	setInt(&c.Redis.Port, "REDIS_PORT")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")

	setStr(&c.Postgres.Host, "POSTGRES_HOST")
	setInt(&c.Postgres.Port, "POSTGRES_PORT")
	setStr(&c.Postgres.User, "POSTGRES_USER")
	setStr(&c.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&c.Postgres.Name, "POSTGRES_NAME")

	setStr(&c.Peers.EventManagerURL, "EVENT_MANAGER_URL")
	setStr(&c.Peers.ProposalServiceURL, "PROPOSAL_SERVICE_URL")
	setStr(&c.Peers.DisputeServiceURL, "DISPUTE_SERVICE_URL")
	setStr(&c.Peers.RewardServiceURL, "REWARD_SERVICE_URL")
	setStr(&c.Peers.NotificationServiceURL, "NOTIFICATION_SERVICE_URL")
}

// Validate checks that every required setting is present; a missing value is
// a startup error. The Redis and Postgres ports are not checked (they keep
// their defaults), and the Redis password may be empty.
func (c *Config) Validate() error {
	var missing []string

	require := func(v, key string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, key)
		}
	}

	require(c.Chain.RPCURL, "BNB_RPC_URL")
	require(c.Chain.PrivateKey, "PRIVATE_KEY")
	require(c.Chain.OracleRegistryAddress, "ORACLE_REGISTRY_ADDRESS")
	require(c.Chain.ProposalManagerAddress, "PROPOSAL_MANAGER_ADDRESS")
	require(c.Chain.StakingManagerAddress, "STAKING_MANAGER_ADDRESS")
	require(c.Redis.Host, "REDIS_HOST")
	require(c.Postgres.Host, "POSTGRES_HOST")
	require(c.Postgres.User, "POSTGRES_USER")
	require(c.Postgres.Password, "POSTGRES_PASSWORD")
	require(c.Postgres.Name, "POSTGRES_NAME")
	require(c.Peers.EventManagerURL, "EVENT_MANAGER_URL")
	require(c.Peers.ProposalServiceURL, "PROPOSAL_SERVICE_URL")
	require(c.Peers.DisputeServiceURL, "DISPUTE_SERVICE_URL")
	require(c.Peers.RewardServiceURL, "REWARD_SERVICE_URL")
	require(c.Peers.NotificationServiceURL, "NOTIFICATION_SERVICE_URL")
	require(c.Env, "NODE_ENV")

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Chain.LivenessWindowSecs <= 0 {
		return fmt.Errorf("chain.liveness_window_secs must be positive")
	}
	if c.Indexer.IntervalSecs <= 0 {
		return fmt.Errorf("indexer.interval_secs must be positive")
	}
	return nil
}

// Production reports whether the engine runs in production mode.
func (c *Config) Production() bool {
	return c.Env == "production"
}
