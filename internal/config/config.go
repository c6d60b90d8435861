package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Credential store backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Catlink     CatlinkConfig     `yaml:"catlink"`
	Credentials CredentialsConfig `yaml:"credentials"`
	HTTP        HTTPConfig        `yaml:"http"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Log         LogConfig         `yaml:"log"`
}

// CatlinkConfig holds Catlink cloud API configuration.
type CatlinkConfig struct {
	APIBase         string   `yaml:"api_base"`
	Phone           string   `yaml:"phone"`
	Password        string   `yaml:"password"`
	PhoneIAC        string   `yaml:"phone_iac"`
	Language        string   `yaml:"language"`
	PollingInterval Duration `yaml:"polling_interval"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	RefreshDelay    Duration `yaml:"refresh_delay"`
	Concurrency     int      `yaml:"concurrency"`
}

// CredentialsConfig selects where session tokens are persisted.
type CredentialsConfig struct {
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Catlink: CatlinkConfig{
			APIBase:         "https://app.catlinks.cn/api/",
			PhoneIAC:        "86",
			Language:        "zh_CN",
			PollingInterval: Duration(120 * time.Second),
			RequestTimeout:  Duration(60 * time.Second),
			RefreshDelay:    Duration(5 * time.Second),
			Concurrency:     4,
		},
		Credentials: CredentialsConfig{
			Backend:     BackendFile,
			Dir:         "/data",
			RedisPrefix: "catlink:auth:",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "catlink",
			DiscoveryPrefix: "homeassistant",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then any dotenv files,
// then overlays environment variables. Missing files are skipped; if path
// is empty only defaults + env vars are used.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	for _, f := range envFiles {
		if f == "" {
			continue
		}
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: env file %s: %w", f, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"CATLINK_API_BASE", &cfg.Catlink.APIBase},
		{"CATLINK_PHONE", &cfg.Catlink.Phone},
		{"CATLINK_PASSWORD", &cfg.Catlink.Password},
		{"CATLINK_PHONE_IAC", &cfg.Catlink.PhoneIAC},
		{"CATLINK_LANGUAGE", &cfg.Catlink.Language},
		{"CATLINK_CREDENTIALS_BACKEND", &cfg.Credentials.Backend},
		{"CATLINK_CREDENTIALS_DIR", &cfg.Credentials.Dir},
		{"CATLINK_REDIS_URL", &cfg.Credentials.RedisURL},
		{"CATLINK_REDIS_PREFIX", &cfg.Credentials.RedisPrefix},
		{"CATLINK_HTTP_ADDR", &cfg.HTTP.Addr},
		{"CATLINK_MQTT_BROKER", &cfg.MQTT.Broker},
		{"CATLINK_MQTT_USERNAME", &cfg.MQTT.Username},
		{"CATLINK_MQTT_PASSWORD", &cfg.MQTT.Password},
		{"CATLINK_MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix},
		{"CATLINK_MQTT_DISCOVERY_PREFIX", &cfg.MQTT.DiscoveryPrefix},
		{"CATLINK_LOG_LEVEL", &cfg.Log.Level},
		{"CATLINK_LOG_FORMAT", &cfg.Log.Format},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("CATLINK_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("CATLINK_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}

	durs := []struct {
		key string
		dst *Duration
	}{
		{"CATLINK_POLLING_INTERVAL", &cfg.Catlink.PollingInterval},
		{"CATLINK_REQUEST_TIMEOUT", &cfg.Catlink.RequestTimeout},
		{"CATLINK_REFRESH_DELAY", &cfg.Catlink.RefreshDelay},
	}
	for _, d := range durs {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = Duration(parsed)
	}

	if v := os.Getenv("CATLINK_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: CATLINK_CONCURRENCY: %w", err)
		}
		cfg.Catlink.Concurrency = n
	}
	return nil
}

// Validate checks the settings the daemon cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Catlink.Phone == "" {
		errs = append(errs, errors.New("catlink.phone is required"))
	}
	if c.Catlink.Password == "" {
		errs = append(errs, errors.New("catlink.password is required"))
	}
	if c.Catlink.APIBase == "" {
		errs = append(errs, errors.New("catlink.api_base is required"))
	}
	if c.Catlink.PollingInterval <= 0 {
		errs = append(errs, errors.New("catlink.polling_interval must be positive"))
	}
	if c.Catlink.RequestTimeout <= 0 {
		errs = append(errs, errors.New("catlink.request_timeout must be positive"))
	}
	if c.Catlink.RefreshDelay < 0 {
		errs = append(errs, errors.New("catlink.refresh_delay must not be negative"))
	}
	if c.Catlink.Concurrency <= 0 {
		errs = append(errs, errors.New("catlink.concurrency must be positive"))
	}

	switch c.Credentials.Backend {
	case BackendFile, BackendMemory:
	case BackendRedis:
		if c.Credentials.RedisURL == "" {
			errs = append(errs, errors.New("credentials.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("credentials.backend %q is not one of file, redis, memory", c.Credentials.Backend))
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// Duration is a time.Duration that YAML may give as a Go duration ("90s")
// or a bare number of seconds (120), matching the env overlay.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// parseDuration accepts Go durations ("90s") or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
