// Package config loads and validates the portwatch configuration file. YAML
// and JSON files are both accepted.
package config

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/profiles"
	"github.com/anstrom/portwatch/internal/scanning"
	"github.com/anstrom/portwatch/internal/scheduler"
)

// Port spec types.
const (
	PortsRange = "range"
	PortsList  = "list"
)

// Config represents the complete portwatch configuration.
type Config struct {
	Scan         ScanConfig         `yaml:"scan" json:"scan"`
	Publisher    PublisherConfig    `yaml:"publisher" json:"publisher"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	API          APIConfig          `yaml:"api" json:"api"`
	Integrations IntegrationsConfig `yaml:"integrations" json:"integrations"`
}

// ScanConfig holds the scan cycle settings and the watched hosts.
type ScanConfig struct {
	BackendPath        string        `yaml:"backend_path" json:"backend_path"`
	Mode               string        `yaml:"mode" json:"mode" validate:"omitempty,oneof=stealth version"`
	MaxConcurrentScans int           `yaml:"max_concurrent_scans" json:"max_concurrent_scans" validate:"gt=0"`
	CycleInterval      time.Duration `yaml:"cycle_interval" json:"cycle_interval" validate:"gte=0"`
	// CycleSchedule is an optional five-field cron expression that
	// replaces CycleInterval.
	CycleSchedule string        `yaml:"cycle_schedule" json:"cycle_schedule"`
	ScanTimeout   time.Duration `yaml:"scan_timeout" json:"scan_timeout" validate:"gte=0"`
	HistoryDepth  int           `yaml:"history_depth" json:"history_depth" validate:"gte=0,lte=16"`
	Hosts         []HostConfig  `yaml:"hosts" json:"hosts" validate:"required,min=1,dive"`
}

// HostConfig is one watched host.
type HostConfig struct {
	Host  string   `yaml:"host" json:"host" validate:"required"`
	Ports PortSpec `yaml:"ports" json:"ports"`
}

// PortSpec selects the ports scanned on a host: an inclusive range or an
// explicit list.
type PortSpec struct {
	Type  string `yaml:"type" json:"type" validate:"required,oneof=range list"`
	Lower int    `yaml:"lower,omitempty" json:"lower,omitempty" validate:"gte=0,lte=65535"`
	Upper int    `yaml:"upper,omitempty" json:"upper,omitempty" validate:"gte=0,lte=65535"`
	List  []int  `yaml:"list,omitempty" json:"list,omitempty" validate:"required_if=Type list,dive,gte=0,lte=65535"`
}

// PublisherConfig holds update delivery settings.
type PublisherConfig struct {
	QueueSize       int           `yaml:"queue_size" json:"queue_size" validate:"gt=0"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	RetryDelay      time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" json:"format" validate:"oneof=text json"`
	Output    string `yaml:"output" json:"output" validate:"required"`
	AddSource bool   `yaml:"add_source" json:"add_source"`
}

// APIConfig holds status API settings.
type APIConfig struct {
	Enabled      bool            `yaml:"enabled" json:"enabled"`
	ListenAddr   string          `yaml:"listen_addr" json:"listen_addr" validate:"required_if=Enabled true"`
	Port         int             `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	ReadTimeout  time.Duration   `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration   `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	CORS         CORSConfig      `yaml:"cors" json:"cors"`
	// TrustProxyHeaders takes client addresses from X-Forwarded-For. Enable
	// only behind a reverse proxy.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`
}

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// IntegrationsConfig enables the update subscribers.
type IntegrationsConfig struct {
	Log      LogSinkConfig  `yaml:"log" json:"log"`
	Slack    SlackConfig    `yaml:"slack" json:"slack"`
	PubSub   PubSubConfig   `yaml:"pubsub" json:"pubsub"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// LogSinkConfig controls the console observer.
type LogSinkConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// SlackConfig holds incoming webhook settings.
type SlackConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	WebhookURL    string `yaml:"webhook_url" json:"webhook_url" validate:"required_if=Enabled true,omitempty,url"`
	Channel       string `yaml:"channel" json:"channel"`
	Username      string `yaml:"username" json:"username"`
	RatePerMinute int    `yaml:"rate_per_minute" json:"rate_per_minute" validate:"gte=0"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	ProjectID       string `yaml:"project_id" json:"project_id" validate:"required_if=Enabled true"`
	TopicID         string `yaml:"topic_id" json:"topic_id" validate:"required_if=Enabled true"`
	CreateTopic     bool   `yaml:"create_topic" json:"create_topic"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// Endpoint overrides the service address, e.g. for the emulator.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// PostgresConfig holds event log database settings.
type PostgresConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Host         string `yaml:"host" json:"host" validate:"required_if=Enabled true"`
	Port         int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Database     string `yaml:"database" json:"database" validate:"required_if=Enabled true"`
	Username     string `yaml:"username" json:"username" validate:"required_if=Enabled true"`
	Password     string `yaml:"password" json:"password"`
	SSLMode      string `yaml:"ssl_mode" json:"ssl_mode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
}

// Default returns a configuration with defaults for every setting. It has
// no hosts and does not validate until some are added.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			BackendPath:        "nmap",
			Mode:               string(profiles.ModeStealth),
			MaxConcurrentScans: 4,
			CycleInterval:      60 * time.Second,
			ScanTimeout:        5 * time.Minute,
			HistoryDepth:       1,
		},
		Publisher: PublisherConfig{
			QueueSize:       1024,
			MaxRetries:      3,
			RetryDelay:      time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   "127.0.0.1",
			Port:         9090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 10,
				Burst:             20,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
			},
		},
		Integrations: IntegrationsConfig{
			Log: LogSinkConfig{Enabled: true},
			Slack: SlackConfig{
				Username:      "portwatch",
				RatePerMinute: 20,
			},
			Postgres: PostgresConfig{
				Host:         "localhost",
				Port:         5432,
				SSLMode:      "disable",
				MaxOpenConns: 5,
			},
		},
	}
}

// Example returns the default configuration with two sample hosts.
func Example() *Config {
	cfg := Default()
	cfg.Scan.Hosts = []HostConfig{
		{Host: "127.0.0.1", Ports: PortSpec{Type: PortsRange, Lower: 1, Upper: 1024}},
		{Host: "scanme.nmap.org", Ports: PortSpec{Type: PortsList, List: []int{22, 80, 443}}},
	}
	return cfg
}

// Load reads, parses and validates the configuration at path. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to open config file", err)
	}
	defer func() { _ = f.Close() }()

	cfg, err := Parse(f)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML or JSON document over the defaults without
// validating it.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, errors.NewConfigError(errors.CodeConfiguration, "config file is empty")
		}
		return nil, errors.WrapConfigError(errors.CodeValidation, "failed to parse config", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct constraints, then the semantic ones: port
// ranges, unique hosts and the cron schedule.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed %q constraint", fe.Tag()), field, fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if _, err := c.HostProfiles(); err != nil {
		return err
	}
	if c.Scan.CycleSchedule != "" {
		if _, err := scheduler.ParseSchedule(c.Scan.CycleSchedule); err != nil {
			return err
		}
	}
	return nil
}

// HostProfiles converts the host list into validated profiles.
func (c *Config) HostProfiles() ([]profiles.HostProfile, error) {
	list := make([]profiles.HostProfile, 0, len(c.Scan.Hosts))
	for _, h := range c.Scan.Hosts {
		list = append(list, profiles.HostProfile{
			Host:  strings.TrimSpace(h.Host),
			Ports: h.Ports.Profile(),
		})
	}
	if err := profiles.ValidateAll(list); err != nil {
		return nil, err
	}
	return list, nil
}

// Profile converts the spec into a port profile.
func (p PortSpec) Profile() profiles.PortProfile {
	if p.Type == PortsList {
		return profiles.NewPortList(p.List...)
	}
	return profiles.PortRange{Lower: p.Lower, Upper: p.Upper}
}

// ToScanConfig builds the scheduler configuration. The caller sets the
// logger.
func (c *Config) ToScanConfig() (scheduler.Config, error) {
	hosts, err := c.HostProfiles()
	if err != nil {
		return scheduler.Config{}, err
	}
	mode, err := profiles.ParseScanMode(c.Scan.Mode)
	if err != nil {
		return scheduler.Config{}, err
	}

	sc := scheduler.Config{
		Profiles:           hosts,
		MaxConcurrentScans: c.Scan.MaxConcurrentScans,
		Interval:           c.Scan.CycleInterval,
		ScanOptions: scanning.Options{
			Mode:        mode,
			BackendPath: c.Scan.BackendPath,
			Timeout:     c.Scan.ScanTimeout,
		},
	}
	if c.Scan.CycleSchedule != "" {
		if sc.Schedule, err = scheduler.ParseSchedule(c.Scan.CycleSchedule); err != nil {
			return scheduler.Config{}, err
		}
	}
	return sc, nil
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(c.Logging.Level),
		Format:    logging.LogFormat(c.Logging.Format),
		Output:    c.Logging.Output,
		AddSource: c.Logging.AddSource,
	}
}

// GetAPIAddress returns the full API address.
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}
