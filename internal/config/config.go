package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the bridge.
type Config struct {
	Google     GoogleConfig     `json:"google" yaml:"google"`
	Bot        BotConfig        `json:"bot" yaml:"bot"`
	Listener   ListenerConfig   `json:"listener" yaml:"listener"`
	Bridge     BridgeConfig     `json:"bridge" yaml:"bridge"`
	Attachment AttachmentConfig `json:"attachment" yaml:"attachment"`
	Chat       ChatConfig       `json:"chat" yaml:"chat"`
	Dedup      DedupConfig      `json:"dedup" yaml:"dedup"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Handler    HandlerConfig    `json:"handler" yaml:"handler"`
}

// GoogleConfig identifies the Cloud project and the credential to use.
type GoogleConfig struct {
	CredentialsFile string `json:"credentialsFile,omitempty" yaml:"credentialsFile,omitempty"`
	BearerToken     string `json:"bearerToken,omitempty" yaml:"bearerToken,omitempty"` // static token, dev/testing only
	Project         string `json:"project" yaml:"project"`
	Topic           string `json:"topic" yaml:"topic"`
	Subscription    string `json:"subscription" yaml:"subscription"`
}

type BotConfig struct {
	Name          string `json:"name" yaml:"name"`
	MentionPrefix string `json:"mentionPrefix" yaml:"mentionPrefix"` // e.g. "@errbot", stripped from message text
}

type ListenerConfig struct {
	Mode               string     `json:"mode" yaml:"mode"` // "pull" | "push"
	CreateSubscription bool       `json:"createSubscription,omitempty" yaml:"createSubscription,omitempty"`
	MaxOutstanding     int        `json:"maxOutstanding" yaml:"maxOutstanding"`
	AckDeadlineSeconds int        `json:"ackDeadlineSeconds" yaml:"ackDeadlineSeconds"`
	BackoffInitialMs   int        `json:"backoffInitialMs" yaml:"backoffInitialMs"`
	BackoffMaxSeconds  int        `json:"backoffMaxSeconds" yaml:"backoffMaxSeconds"`
	Push               PushConfig `json:"push" yaml:"push"`
}

// PushConfig configures the HTTP endpoint used with push subscriptions.
type PushConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Path     string `json:"path" yaml:"path"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`       // shared ?token= value
	Audience string `json:"audience,omitempty" yaml:"audience,omitempty"` // OIDC audience; empty disables JWT checks
}

type BridgeConfig struct {
	MaxConcurrent        int `json:"maxConcurrent" yaml:"maxConcurrent"`
	ShutdownGraceSeconds int `json:"shutdownGraceSeconds" yaml:"shutdownGraceSeconds"`
}

type AttachmentConfig struct {
	MediaBase      string `json:"mediaBase" yaml:"mediaBase"`
	MaxBytes       int64  `json:"maxBytes" yaml:"maxBytes"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type ChatConfig struct {
	APIBase        string  `json:"apiBase" yaml:"apiBase"`
	RatePerMinute  float64 `json:"ratePerMinute" yaml:"ratePerMinute"`
	Burst          int     `json:"burst" yaml:"burst"`
	TimeoutSeconds int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

// DedupConfig selects where processed event IDs are remembered.
type DedupConfig struct {
	Backend       string `json:"backend" yaml:"backend"` // "none" | "sqlite" | "redis"
	SQLitePath    string `json:"sqlitePath,omitempty" yaml:"sqlitePath,omitempty"`
	RedisAddr     string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDB,omitempty" yaml:"redisDB,omitempty"`
	TTLHours      int    `json:"ttlHours" yaml:"ttlHours"`         // how long handled IDs are remembered
	LeaseSeconds  int    `json:"leaseSeconds" yaml:"leaseSeconds"` // how long an in-progress claim blocks redeliveries
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format"` // gce | text
}

type HandlerConfig struct {
	RepliesFile string `json:"repliesFile,omitempty" yaml:"repliesFile,omitempty"`
}

// SubscriptionPath returns projects/<project>/subscriptions/<subscription>.
func (g GoogleConfig) SubscriptionPath() string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", g.Project, g.Subscription)
}

func (l ListenerConfig) BackoffInitial() time.Duration {
	return time.Duration(l.BackoffInitialMs) * time.Millisecond
}

func (l ListenerConfig) BackoffMax() time.Duration {
	return time.Duration(l.BackoffMaxSeconds) * time.Second
}

func (b BridgeConfig) ShutdownGrace() time.Duration {
	return time.Duration(b.ShutdownGraceSeconds) * time.Second
}

func (a AttachmentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (c ChatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (d DedupConfig) TTL() time.Duration {
	return time.Duration(d.TTLHours) * time.Hour
}

// Lease defaults to one minute, the default ack deadline.
func (d DedupConfig) Lease() time.Duration {
	if d.LeaseSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(d.LeaseSeconds) * time.Second
}

// Addr returns host:port for the metrics server.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// Addr returns host:port for the push endpoint.
func (p PushConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// DefaultConfigDir returns the default config directory (~/.gchatbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gchatbridge"
	}
	return filepath.Join(home, ".gchatbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a JSON or YAML (by extension) config file on top of Defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Google.CredentialsFile = ExpandPath(cfg.Google.CredentialsFile)
	cfg.Dedup.SQLitePath = ExpandPath(cfg.Dedup.SQLitePath)
	cfg.Handler.RepliesFile = ExpandPath(cfg.Handler.RepliesFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Google.Project == "" {
		errs = append(errs, "google.project is required")
	}
	if cfg.Google.Subscription == "" {
		errs = append(errs, "google.subscription is required")
	}
	if cfg.Google.CredentialsFile == "" && cfg.Google.BearerToken == "" {
		errs = append(errs, "one of google.credentialsFile or google.bearerToken is required")
	}

	switch cfg.Listener.Mode {
	case "pull", "push":
	default:
		errs = append(errs, "listener.mode must be one of: pull, push")
	}
	if cfg.Listener.CreateSubscription && cfg.Google.Topic == "" {
		errs = append(errs, "google.topic is required when listener.createSubscription is set")
	}
	if cfg.Listener.MaxOutstanding < 1 {
		errs = append(errs, "listener.maxOutstanding must be >= 1")
	}
	if cfg.Listener.AckDeadlineSeconds < 10 || cfg.Listener.AckDeadlineSeconds > 600 {
		errs = append(errs, "listener.ackDeadlineSeconds must be between 10 and 600")
	}
	if cfg.Listener.BackoffInitialMs < 1 {
		errs = append(errs, "listener.backoffInitialMs must be >= 1")
	}
	if cfg.Listener.BackoffMax() < cfg.Listener.BackoffInitial() {
		errs = append(errs, "listener.backoffMaxSeconds must not be below listener.backoffInitialMs")
	}
	if cfg.Listener.Mode == "push" {
		if cfg.Listener.Push.Port < 1 || cfg.Listener.Push.Port > 65535 {
			errs = append(errs, "listener.push.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(cfg.Listener.Push.Path, "/") {
			errs = append(errs, "listener.push.path must start with /")
		}
	}

	if cfg.Bridge.MaxConcurrent < 1 || cfg.Bridge.MaxConcurrent > 1000 {
		errs = append(errs, "bridge.maxConcurrent must be between 1 and 1000")
	}
	if cfg.Bridge.ShutdownGraceSeconds < 0 {
		errs = append(errs, "bridge.shutdownGraceSeconds must be >= 0")
	}

	if cfg.Attachment.MediaBase == "" {
		errs = append(errs, "attachment.mediaBase is required")
	}
	if cfg.Attachment.MaxBytes < 1 {
		errs = append(errs, "attachment.maxBytes must be >= 1")
	}
	if cfg.Chat.APIBase == "" {
		errs = append(errs, "chat.apiBase is required")
	}
	if cfg.Chat.RatePerMinute <= 0 {
		errs = append(errs, "chat.ratePerMinute must be > 0")
	}

	switch cfg.Dedup.Backend {
	case "none":
	case "sqlite":
		if cfg.Dedup.SQLitePath == "" {
			errs = append(errs, "dedup.sqlitePath is required for the sqlite backend")
		}
	case "redis":
		if cfg.Dedup.RedisAddr == "" {
			errs = append(errs, "dedup.redisAddr is required for the redis backend")
		}
	default:
		errs = append(errs, "dedup.backend must be one of: none, sqlite, redis")
	}
	if cfg.Dedup.Backend != "none" && cfg.Dedup.TTLHours < 1 {
		errs = append(errs, "dedup.ttlHours must be >= 1")
	}
	if cfg.Dedup.LeaseSeconds < 0 {
		errs = append(errs, "dedup.leaseSeconds must be >= 0")
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be between 1 and 65535")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "gce", "text":
	default:
		errs = append(errs, "log.format must be one of: gce, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
