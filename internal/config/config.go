package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/defi-sentinel/internal/risk"
)

type GlobalFlags struct {
	ConfigPath     string
	EnvFile        string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	NoCache        bool
	LogLevel       string
	Session        string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string

	Timeout   time.Duration
	Retries   int
	RateLimit float64

	PollInterval          time.Duration
	SweepInterval         time.Duration
	TickLease             time.Duration
	MaxConcurrentSessions int
	DefaultMaxRetries     int
	MinDCAInterval        time.Duration
	Limits                risk.Limits

	StorePath     string
	StoreLockPath string
	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	PriceTTL      time.Duration
	PriceMaxAge   time.Duration

	Session       string
	OracleURL     string
	GatewayURL    string
	GatewayAPIKey string
	Wallet        string
	AllowedChains []string

	LogLevel  string
	LogFormat string
}

type fileConfig struct {
	Output    string   `yaml:"output"`
	Timeout   string   `yaml:"timeout"`
	Retries   *int     `yaml:"retries"`
	RateLimit *float64 `yaml:"rate_limit"`
	Wallet    string   `yaml:"wallet"`
	Session   string   `yaml:"session"`
	Chains    []string `yaml:"allowed_chains"`
	Log       struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Engine struct {
		PollInterval          string `yaml:"poll_interval"`
		SweepInterval         string `yaml:"sweep_interval"`
		TickLease             string `yaml:"tick_lease"`
		MaxConcurrentSessions *int   `yaml:"max_concurrent_sessions"`
		DefaultMaxRetries     *int   `yaml:"default_max_retries"`
		MinDCAInterval        string `yaml:"min_dca_interval"`
	} `yaml:"engine"`
	Limits struct {
		MaxTransactionValueUSD *float64 `yaml:"max_transaction_value_usd"`
		MaxDailyTransactions   *int     `yaml:"max_daily_transactions"`
		MaxDailyVolumeUSD      *float64 `yaml:"max_daily_volume_usd"`
		Cooldown               string   `yaml:"cooldown"`
	} `yaml:"limits"`
	Store struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"store"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		PriceTTL string `yaml:"price_ttl"`
	} `yaml:"cache"`
	Oracle struct {
		URL    string `yaml:"url"`
		MaxAge string `yaml:"max_age"`
	} `yaml:"oracle"`
	Gateway struct {
		URL       string `yaml:"url"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"gateway"`
}

func Load(flags GlobalFlags) (Settings, error) {
	if err := loadEnvFile(flags.EnvFile); err != nil {
		return Settings{}, err
	}

	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 30 * time.Second
	}
	if settings.SweepInterval <= 0 {
		settings.SweepInterval = time.Second
	}
	if settings.TickLease <= 0 {
		settings.TickLease = 5 * time.Minute
	}
	if settings.MaxConcurrentSessions <= 0 {
		settings.MaxConcurrentSessions = 1
	}
	if settings.DefaultMaxRetries <= 0 {
		settings.DefaultMaxRetries = 3
	}
	if settings.MinDCAInterval <= 0 {
		settings.MinDCAInterval = settings.PollInterval
	}
	if settings.PriceTTL < 0 {
		settings.PriceTTL = 0
	}

	return settings, nil
}

// loadEnvFile reads KEY=VALUE pairs into the process environment. Variables
// that are already set keep their values.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("SENTINEL_ENV_FILE")
	}
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:            "json",
		Timeout:               10 * time.Second,
		Retries:               2,
		RateLimit:             5,
		PollInterval:          30 * time.Second,
		SweepInterval:         time.Second,
		TickLease:             5 * time.Minute,
		MaxConcurrentSessions: 4,
		DefaultMaxRetries:     3,
		Limits:                risk.DefaultLimits(),
		StorePath:             filepath.Join(dataDir, "sentinel.db"),
		StoreLockPath:         filepath.Join(dataDir, "sentinel.lock"),
		CacheEnabled:          true,
		CachePath:             filepath.Join(dataDir, "prices.db"),
		CacheLockPath:         filepath.Join(dataDir, "prices.lock"),
		PriceTTL:              10 * time.Second,
		PriceMaxAge:           time.Hour,
		LogLevel:              "info",
		LogFormat:             "text",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "sentinel", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "sentinel"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.RateLimit != nil {
		settings.RateLimit = *cfg.RateLimit
	}
	if cfg.Wallet != "" {
		settings.Wallet = cfg.Wallet
	}
	if cfg.Session != "" {
		settings.Session = cfg.Session
	}
	if len(cfg.Chains) > 0 {
		settings.AllowedChains = cleanList(cfg.Chains)
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"timeout", cfg.Timeout, &settings.Timeout},
		{"engine.poll_interval", cfg.Engine.PollInterval, &settings.PollInterval},
		{"engine.sweep_interval", cfg.Engine.SweepInterval, &settings.SweepInterval},
		{"engine.tick_lease", cfg.Engine.TickLease, &settings.TickLease},
		{"engine.min_dca_interval", cfg.Engine.MinDCAInterval, &settings.MinDCAInterval},
		{"limits.cooldown", cfg.Limits.Cooldown, &settings.Limits.Cooldown},
		{"cache.price_ttl", cfg.Cache.PriceTTL, &settings.PriceTTL},
		{"oracle.max_age", cfg.Oracle.MaxAge, &settings.PriceMaxAge},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if cfg.Engine.MaxConcurrentSessions != nil {
		settings.MaxConcurrentSessions = *cfg.Engine.MaxConcurrentSessions
	}
	if cfg.Engine.DefaultMaxRetries != nil {
		settings.DefaultMaxRetries = *cfg.Engine.DefaultMaxRetries
	}
	if cfg.Limits.MaxTransactionValueUSD != nil {
		settings.Limits.MaxTransactionValueUSD = *cfg.Limits.MaxTransactionValueUSD
	}
	if cfg.Limits.MaxDailyTransactions != nil {
		settings.Limits.MaxDailyTransactions = *cfg.Limits.MaxDailyTransactions
	}
	if cfg.Limits.MaxDailyVolumeUSD != nil {
		settings.Limits.MaxDailyVolumeUSD = *cfg.Limits.MaxDailyVolumeUSD
	}
	if cfg.Store.Path != "" {
		settings.StorePath = cfg.Store.Path
	}
	if cfg.Store.LockPath != "" {
		settings.StoreLockPath = cfg.Store.LockPath
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Oracle.URL != "" {
		settings.OracleURL = cfg.Oracle.URL
	}
	if cfg.Gateway.URL != "" {
		settings.GatewayURL = cfg.Gateway.URL
	}
	if cfg.Gateway.APIKey != "" {
		settings.GatewayAPIKey = cfg.Gateway.APIKey
	}
	if cfg.Gateway.APIKeyEnv != "" {
		settings.GatewayAPIKey = os.Getenv(cfg.Gateway.APIKeyEnv)
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("SENTINEL_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	envDuration("SENTINEL_TIMEOUT", &settings.Timeout)
	envDuration("SENTINEL_POLL_INTERVAL", &settings.PollInterval)
	envDuration("SENTINEL_SWEEP_INTERVAL", &settings.SweepInterval)
	envDuration("SENTINEL_TICK_LEASE", &settings.TickLease)
	envDuration("SENTINEL_MIN_DCA_INTERVAL", &settings.MinDCAInterval)
	envDuration("SENTINEL_COOLDOWN", &settings.Limits.Cooldown)
	envDuration("SENTINEL_PRICE_TTL", &settings.PriceTTL)
	envDuration("SENTINEL_PRICE_MAX_AGE", &settings.PriceMaxAge)
	envInt("SENTINEL_RETRIES", &settings.Retries)
	envInt("SENTINEL_MAX_CONCURRENT_SESSIONS", &settings.MaxConcurrentSessions)
	envInt("SENTINEL_DEFAULT_MAX_RETRIES", &settings.DefaultMaxRetries)
	envInt("SENTINEL_MAX_DAILY_TRANSACTIONS", &settings.Limits.MaxDailyTransactions)
	envFloat("SENTINEL_RATE_LIMIT", &settings.RateLimit)
	envFloat("SENTINEL_MAX_TRANSACTION_VALUE_USD", &settings.Limits.MaxTransactionValueUSD)
	envFloat("SENTINEL_MAX_DAILY_VOLUME_USD", &settings.Limits.MaxDailyVolumeUSD)

	if v := os.Getenv("SENTINEL_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	strs := []struct {
		key string
		dst *string
	}{
		{"SENTINEL_STORE_PATH", &settings.StorePath},
		{"SENTINEL_STORE_LOCK_PATH", &settings.StoreLockPath},
		{"SENTINEL_CACHE_PATH", &settings.CachePath},
		{"SENTINEL_CACHE_LOCK_PATH", &settings.CacheLockPath},
		{"SENTINEL_ORACLE_URL", &settings.OracleURL},
		{"SENTINEL_GATEWAY_URL", &settings.GatewayURL},
		{"SENTINEL_GATEWAY_API_KEY", &settings.GatewayAPIKey},
		{"SENTINEL_WALLET", &settings.Wallet},
		{"SENTINEL_SESSION", &settings.Session},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}
	if v := os.Getenv("SENTINEL_ALLOWED_CHAINS"); v != "" {
		settings.AllowedChains = cleanList(strings.Split(v, ","))
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = cleanList(strings.Split(flags.Select, ","))
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = cleanList(strings.Split(flags.EnableCommands, ","))
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if strings.TrimSpace(flags.Session) != "" {
		settings.Session = strings.TrimSpace(flags.Session)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	switch settings.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}
	if settings.LogFormat != "text" && settings.LogFormat != "json" {
		return fmt.Errorf("log format must be text or json")
	}

	return nil
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func cleanList(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
