// ABOUTME: Configuration loading and parsing for chat-engine
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chat-engine configuration
type Config struct {
	Database   DatabaseConfig           `yaml:"database"`
	Logging    LoggingConfig            `yaml:"logging"`
	Ops        OpsConfig                `yaml:"ops"`
	Chatbots   map[string]ChatbotConfig `yaml:"chatbots"`
	Dispatcher DispatcherConfig         `yaml:"dispatcher"`
	Events     EventsConfig             `yaml:"events"`
	Scheduling SchedulingConfig         `yaml:"scheduling"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OpsConfig holds the operator HTTP surface configuration.
// TokenHash is a bcrypt hash of the static operator token; JWTSecret enables
// HS256 bearer tokens as an alternative. At least one is required when the
// surface is enabled.
type OpsConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	TokenHash   string `yaml:"token_hash"`
	JWTSecret   string `yaml:"jwt_secret"`
	MetricsPath string `yaml:"metrics_path"`
}

// ChatbotConfig holds per-chatbot WhatsApp Cloud API credentials.
// The map key is the chatbot name used throughout the message store.
type ChatbotConfig struct {
	PhoneNumberID string `yaml:"phone_number_id"`
	AccessToken   string `yaml:"access_token"`
	BaseURL       string `yaml:"base_url"` // override for tests; defaults to the Graph API
}

// DispatcherConfig holds conversation dispatcher timing configuration
type DispatcherConfig struct {
	PollInterval time.Duration `yaml:"-"`
	Workers      int           `yaml:"workers"`

	// Raw string value for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
}

// EventsConfig holds event processor timing configuration
type EventsConfig struct {
	PollInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
}

// SchedulingConfig holds appointment availability search configuration.
// The horizon bounds are offsets from the time of the search.
type SchedulingConfig struct {
	GeneralCalendarID string `yaml:"general_calendar_id"`

	HorizonStart time.Duration `yaml:"-"`
	HorizonEnd   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HorizonStartRaw string `yaml:"horizon_start"`
	HorizonEndRaw   string `yaml:"horizon_end"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that have sensible defaults when omitted.
func (c *Config) applyDefaults() {
	if c.Dispatcher.PollInterval == 0 {
		c.Dispatcher.PollInterval = time.Second
	}
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 4
	}
	if c.Events.PollInterval == 0 {
		c.Events.PollInterval = 100 * time.Millisecond
	}
	if c.Scheduling.HorizonStart == 0 {
		c.Scheduling.HorizonStart = 2 * time.Hour
	}
	if c.Scheduling.HorizonEnd == 0 {
		c.Scheduling.HorizonEnd = 7 * 24 * time.Hour
	}
	if c.Ops.MetricsPath == "" {
		c.Ops.MetricsPath = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Chatbots) == 0 {
		return fmt.Errorf("at least one chatbot must be configured")
	}

	for name, bot := range c.Chatbots {
		if bot.PhoneNumberID == "" {
			return fmt.Errorf("chatbots.%s.phone_number_id is required", name)
		}
		if bot.AccessToken == "" {
			return fmt.Errorf("chatbots.%s.access_token is required", name)
		}
	}

	if c.Ops.HTTPAddr != "" && c.Ops.TokenHash == "" && c.Ops.JWTSecret == "" {
		return fmt.Errorf("ops.token_hash or ops.jwt_secret is required when ops.http_addr is set")
	}

	if c.Scheduling.HorizonEnd <= c.Scheduling.HorizonStart {
		return fmt.Errorf("scheduling.horizon_end must be after scheduling.horizon_start")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	parse := func(raw, field string, dst *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", field, raw, err)
		}
		*dst = d
		return nil
	}

	if err := parse(cfg.Dispatcher.PollIntervalRaw, "dispatcher.poll_interval", &cfg.Dispatcher.PollInterval); err != nil {
		return err
	}
	if err := parse(cfg.Events.PollIntervalRaw, "events.poll_interval", &cfg.Events.PollInterval); err != nil {
		return err
	}
	if err := parse(cfg.Scheduling.HorizonStartRaw, "scheduling.horizon_start", &cfg.Scheduling.HorizonStart); err != nil {
		return err
	}
	if err := parse(cfg.Scheduling.HorizonEndRaw, "scheduling.horizon_end", &cfg.Scheduling.HorizonEnd); err != nil {
		return err
	}

	return nil
}
