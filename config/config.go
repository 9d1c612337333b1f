package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"loyaltyd/balance"
	"loyaltyd/token"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for loyaltyd.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	DatabaseDSN   string        `yaml:"database_dsn"`
	Session       SessionConfig `yaml:"session"`
	Rewards       RewardsConfig `yaml:"rewards"`
	Chain         ChainConfig   `yaml:"chain"`
	Recon         ReconConfig   `yaml:"recon"`
	Settle        SettleConfig  `yaml:"settle"`
	Auth          AuthConfig    `yaml:"auth"`
	Log           LogConfig     `yaml:"log"`
	Environment   string        `yaml:"environment"`
}

// SessionConfig tunes the redemption session lifecycle.
type SessionConfig struct {
	TTL            Duration `yaml:"ttl"`
	SweepInterval  Duration `yaml:"sweep_interval"`
	NonceRetention Duration `yaml:"nonce_retention"`
	EligibilityURL string   `yaml:"eligibility_url"`
}

// RewardsConfig drives the earning step tables. Amounts are decimal token
// strings.
type RewardsConfig struct {
	Steps      []RewardStep      `yaml:"steps"`
	TierBonus  map[string]string `yaml:"tier_bonus"`
	Thresholds []TierThreshold   `yaml:"thresholds"`
}

// RewardStep grants a base reward once the service price reaches the minimum.
type RewardStep struct {
	MinPriceCents int64  `yaml:"min_price_cents"`
	Reward        string `yaml:"reward"`
}

// TierThreshold maps a tier name to the lifetime earnings that grant it.
type TierThreshold struct {
	Tier        string `yaml:"tier"`
	MinLifetime string `yaml:"min_lifetime"`
}

// ChainConfig points at the token contract RPC endpoint.
type ChainConfig struct {
	RPCURL            string `yaml:"rpc_url"`
	AuthTokenEnv      string `yaml:"auth_token_env"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// ReconConfig controls the nightly reconciliation run.
type ReconConfig struct {
	GracePeriod Duration `yaml:"grace_period"`
	Window      Duration `yaml:"window"`
	RunHour     int      `yaml:"run_hour"`
	RunMinute   int      `yaml:"run_minute"`
	OutputDir   string   `yaml:"output_dir"`
}

// SettleConfig tunes the asynchronous mint/burn worker.
type SettleConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
}

// AuthConfig configures bearer token verification. The shared secret is
// resolved through the named environment variable, never stored in the file.
type AuthConfig struct {
	Issuer         string `yaml:"issuer"`
	Audience       string `yaml:"audience"`
	SecretEnv      string `yaml:"secret_env"`
	MaxSkewSeconds int    `yaml:"max_skew_seconds"`
}

// LogConfig configures the structured log sink.
type LogConfig struct {
	FilePath   string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7420"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Session.TTL.Duration == 0 {
		cfg.Session.TTL.Duration = 10 * time.Minute
	}
	if cfg.Session.SweepInterval.Duration == 0 {
		cfg.Session.SweepInterval.Duration = time.Minute
	}
	if cfg.Session.NonceRetention.Duration == 0 {
		cfg.Session.NonceRetention.Duration = 180 * 24 * time.Hour
	}
	if cfg.Recon.GracePeriod.Duration == 0 {
		cfg.Recon.GracePeriod.Duration = time.Hour
	}
	if cfg.Recon.Window.Duration == 0 {
		cfg.Recon.Window.Duration = 24 * time.Hour
	}
	if cfg.Settle.PollInterval.Duration == 0 {
		cfg.Settle.PollInterval.Duration = 15 * time.Second
	}
	if cfg.Settle.BatchSize <= 0 {
		cfg.Settle.BatchSize = 50
	}
	if cfg.Chain.RequestsPerMinute <= 0 {
		cfg.Chain.RequestsPerMinute = 120
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "loyaltyd"
	}
	if cfg.Auth.Audience == "" {
		cfg.Auth.Audience = "loyaltyd-api"
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = "LOYALTYD_AUTH_SECRET"
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return fmt.Errorf("config: database_dsn is required")
	}
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("config: chain.rpc_url is required")
	}
	if cfg.Recon.RunHour < 0 || cfg.Recon.RunHour > 23 {
		return fmt.Errorf("config: recon.run_hour out of range")
	}
	if cfg.Recon.RunMinute < 0 || cfg.Recon.RunMinute > 59 {
		return fmt.Errorf("config: recon.run_minute out of range")
	}
	if _, err := cfg.RewardTable(); err != nil {
		return err
	}
	return nil
}

// RewardTable converts the configured decimal strings into the balance
// package's table. An empty section yields the built-in defaults.
func (c Config) RewardTable() (balance.RewardTable, error) {
	if len(c.Rewards.Steps) == 0 && len(c.Rewards.TierBonus) == 0 && len(c.Rewards.Thresholds) == 0 {
		return balance.DefaultRewardTable(), nil
	}
	return parseRewardTable(c.Rewards)
}

func parseRewardTable(rewards RewardsConfig) (balance.RewardTable, error) {
	table := balance.RewardTable{TierBonus: make(map[balance.Tier]*big.Int)}
	for _, step := range rewards.Steps {
		reward, err := token.Parse(step.Reward)
		if err != nil {
			return balance.RewardTable{}, fmt.Errorf("config: reward step %d: %w", step.MinPriceCents, err)
		}
		table.Steps = append(table.Steps, balance.RewardStep{MinPriceCents: step.MinPriceCents, Reward: reward})
	}
	for tier, bonus := range rewards.TierBonus {
		value, err := token.Parse(bonus)
		if err != nil {
			return balance.RewardTable{}, fmt.Errorf("config: tier bonus %s: %w", tier, err)
		}
		table.TierBonus[balance.Tier(strings.ToUpper(strings.TrimSpace(tier)))] = value
	}
	for _, threshold := range rewards.Thresholds {
		min, err := token.Parse(threshold.MinLifetime)
		if err != nil {
			return balance.RewardTable{}, fmt.Errorf("config: tier threshold %s: %w", threshold.Tier, err)
		}
		table.Tiers = append(table.Tiers, balance.TierThreshold{
			Tier:        balance.Tier(strings.ToUpper(strings.TrimSpace(threshold.Tier))),
			MinLifetime: min,
		})
	}
	return table, nil
}
