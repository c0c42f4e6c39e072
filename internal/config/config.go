package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. REVEALGATE_DATABASE_DSN.
const EnvPrefix = "REVEALGATE"

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Vault     VaultConfig     `mapstructure:"vault"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	MFA       MFAConfig       `mapstructure:"mfa"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Links     LinksConfig     `mapstructure:"links"`
	Rotation  RotationConfig  `mapstructure:"rotation"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
}

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	IPBurst        int           `mapstructure:"ip_burst"`
	IPRatePerSec   int           `mapstructure:"ip_rate_per_sec"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	Secret    string        `mapstructure:"secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	DevTokens bool          `mapstructure:"dev_tokens"`
}

// VaultConfig holds the base64 master key used to seal stored secrets.
type VaultConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

type RateLimitConfig struct {
	Backend string        `mapstructure:"backend"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

type MFAConfig struct {
	Issuer      string        `mapstructure:"issuer"`
	Period      time.Duration `mapstructure:"period"`
	Skew        uint          `mapstructure:"skew"`
	Digits      int           `mapstructure:"digits"`
	BackupCodes int           `mapstructure:"backup_codes"`
}

type AnomalyConfig struct {
	Threshold     int            `mapstructure:"threshold"`
	Weights       AnomalyWeights `mapstructure:"weights"`
	HourTolerance float64        `mapstructure:"hour_tolerance"`
	HourFull      float64        `mapstructure:"hour_full"`
	IPLookback    time.Duration  `mapstructure:"ip_lookback"`
	BurstWindow   time.Duration  `mapstructure:"burst_window"`
	MinBurst      int            `mapstructure:"min_burst"`
	FailureSample int            `mapstructure:"failure_sample"`
	HistoryLimit  int            `mapstructure:"history_limit"`
}

type AnomalyWeights struct {
	Hour      int `mapstructure:"hour"`
	IP        int `mapstructure:"ip"`
	Device    int `mapstructure:"device"`
	Frequency int `mapstructure:"frequency"`
	Failures  int `mapstructure:"failures"`
}

type LinksConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	MaxHours int    `mapstructure:"max_hours"`
	MaxUses  int    `mapstructure:"max_uses"`
}

type RotationConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Enabled  bool          `mapstructure:"enabled"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type SecurityConfig struct {
	AdminRole string `mapstructure:"admin_role"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 1 << 20,
			IPBurst:      20,
			IPRatePerSec: 10,
		},
		GRPC:      GRPCConfig{Addr: ":9090"},
		Auth:      AuthConfig{TokenTTL: time.Hour},
		RateLimit: RateLimitConfig{Backend: "memory", Limit: 5, Window: time.Minute},
		MFA: MFAConfig{
			Issuer:      "Reveal Password",
			Period:      30 * time.Second,
			Skew:        1,
			Digits:      6,
			BackupCodes: 10,
		},
		Anomaly: AnomalyConfig{
			Threshold:     75,
			Weights:       AnomalyWeights{Hour: 20, IP: 20, Device: 20, Frequency: 20, Failures: 20},
			HourTolerance: 2,
			HourFull:      6,
			IPLookback:    30 * 24 * time.Hour,
			BurstWindow:   5 * time.Minute,
			MinBurst:      5,
			FailureSample: 20,
			HistoryLimit:  500,
		},
		Links:    LinksConfig{BaseURL: "http://localhost:8080", MaxHours: 168, MaxUses: 100},
		Rotation: RotationConfig{Interval: time.Hour, Enabled: true},
		Log:      LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Security: SecurityConfig{AdminRole: "system manager"},
	}
}

// Load reads configuration from defaults, an optional YAML file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("revealgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/revealgate")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that would silently weaken the reveal path.
func (c Config) Validate() error {
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("config: ratelimit limit and window must be positive")
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown ratelimit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required for the redis ratelimit backend")
	}
	if c.MFA.Period <= 0 {
		return errors.New("config: mfa period must be positive")
	}
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return fmt.Errorf("config: mfa digits must be 6 or 8, got %d", c.MFA.Digits)
	}
	if c.MFA.BackupCodes <= 0 {
		return errors.New("config: mfa backup_codes must be positive")
	}
	if c.Anomaly.Threshold < 0 || c.Anomaly.Threshold > 100 {
		return fmt.Errorf("config: anomaly threshold %d out of range", c.Anomaly.Threshold)
	}
	if c.Links.MaxHours <= 0 || c.Links.MaxUses <= 0 {
		return errors.New("config: links max_hours and max_uses must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.max_body_bytes", d.HTTP.MaxBodyBytes)
	v.SetDefault("http.ip_burst", d.HTTP.IPBurst)
	v.SetDefault("http.ip_rate_per_sec", d.HTTP.IPRatePerSec)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)

	v.SetDefault("grpc.addr", d.GRPC.Addr)
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.dev_tokens", false)
	v.SetDefault("vault.master_key", "")

	v.SetDefault("ratelimit.backend", d.RateLimit.Backend)
	v.SetDefault("ratelimit.limit", d.RateLimit.Limit)
	v.SetDefault("ratelimit.window", d.RateLimit.Window)

	v.SetDefault("mfa.issuer", d.MFA.Issuer)
	v.SetDefault("mfa.period", d.MFA.Period)
	v.SetDefault("mfa.skew", d.MFA.Skew)
	v.SetDefault("mfa.digits", d.MFA.Digits)
	v.SetDefault("mfa.backup_codes", d.MFA.BackupCodes)

	v.SetDefault("anomaly.threshold", d.Anomaly.Threshold)
	v.SetDefault("anomaly.weights.hour", d.Anomaly.Weights.Hour)
	v.SetDefault("anomaly.weights.ip", d.Anomaly.Weights.IP)
	v.SetDefault("anomaly.weights.device", d.Anomaly.Weights.Device)
	v.SetDefault("anomaly.weights.frequency", d.Anomaly.Weights.Frequency)
	v.SetDefault("anomaly.weights.failures", d.Anomaly.Weights.Failures)
	v.SetDefault("anomaly.hour_tolerance", d.Anomaly.HourTolerance)
	v.SetDefault("anomaly.hour_full", d.Anomaly.HourFull)
	v.SetDefault("anomaly.ip_lookback", d.Anomaly.IPLookback)
	v.SetDefault("anomaly.burst_window", d.Anomaly.BurstWindow)
	v.SetDefault("anomaly.min_burst", d.Anomaly.MinBurst)
	v.SetDefault("anomaly.failure_sample", d.Anomaly.FailureSample)
	v.SetDefault("anomaly.history_limit", d.Anomaly.HistoryLimit)

	v.SetDefault("links.base_url", d.Links.BaseURL)
	v.SetDefault("links.max_hours", d.Links.MaxHours)
	v.SetDefault("links.max_uses", d.Links.MaxUses)

	v.SetDefault("rotation.interval", d.Rotation.Interval)
	v.SetDefault("rotation.enabled", d.Rotation.Enabled)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("security.admin_role", d.Security.AdminRole)
}
