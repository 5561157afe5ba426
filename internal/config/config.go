// Package config loads scanner settings from defaults, an optional YAML
// file and MQTTSCAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/hanepo/MQTTScanner/internal/registry"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// MQTTSCAN_BROKER_HOST.
const EnvPrefix = "MQTTSCAN"

// Config is the complete runtime configuration.
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker"`
	Capture CaptureConfig `mapstructure:"capture"`
	Storage StorageConfig `mapstructure:"storage"`
	Helper  HelperConfig  `mapstructure:"helper"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Events  EventsConfig  `mapstructure:"events"`
	Server  ServerConfig  `mapstructure:"server"`
}

// BrokerConfig describes the logical broker and its two listeners.
type BrokerConfig struct {
	Host         string `mapstructure:"host"`
	SecurePort   int    `mapstructure:"secure_port"`
	InsecurePort int    `mapstructure:"insecure_port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	SecureACL    bool   `mapstructure:"secure_acl"`
	InsecureACL  bool   `mapstructure:"insecure_acl"`
}

// CaptureConfig bounds one capture pass.
type CaptureConfig struct {
	TopicFilter       string        `mapstructure:"topic_filter"`
	ClientID          string        `mapstructure:"client_id"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxMessages       int           `mapstructure:"max_messages"`
	ListenWindow      time.Duration `mapstructure:"listen_window"`
	MaxLoops          int           `mapstructure:"max_loops"`
	SettleLoops       int           `mapstructure:"settle_loops"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	RegistryRetention time.Duration `mapstructure:"registry_retention"`
}

// StorageConfig selects persistence. An empty StorePath keeps the cache and
// registry in memory; an empty HistoryPath disables reading history.
type StorageConfig struct {
	StorePath    string `mapstructure:"store_path"`
	HistoryPath  string `mapstructure:"history_path"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// HelperConfig configures the optional capture helper executable.
type HelperConfig struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RemoteConfig points at an optional remote scanning service.
type RemoteConfig struct {
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ListenDuration time.Duration `mapstructure:"listen_duration"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
}

// EventsConfig enables capture-completed events on NATS when URL is set.
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKey          string        `mapstructure:"api_key"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Host:         "localhost",
			SecurePort:   broker.PortTLS,
			InsecurePort: broker.PortPlain,
			SecureACL:    true,
		},
		Capture: CaptureConfig{
			TopicFilter:       capture.DefaultTopicFilter,
			ClientID:          capture.DefaultClientID,
			ConnectTimeout:    capture.DefaultConnectTimeout,
			MaxMessages:       capture.DefaultMaxMessages,
			ListenWindow:      capture.DefaultListenWindow,
			MaxLoops:          capture.DefaultMaxLoops,
			SettleLoops:       capture.DefaultSettleLoops,
			PollInterval:      capture.DefaultPollInterval,
			CacheTTL:          capture.DefaultCacheTTL,
			RegistryRetention: registry.DefaultRetention,
		},
		Storage: StorageConfig{
			HistoryLimit: 50,
		},
		Helper: HelperConfig{
			Timeout: capture.DefaultHelperTimeout,
		},
		Remote: RemoteConfig{
			PollInterval:   500 * time.Millisecond,
			Timeout:        30 * time.Second,
			ListenDuration: 5 * time.Second,
			MaxWait:        capture.DefaultRemoteTimeout,
		},
		Events: EventsConfig{
			Subject: "mqttscanner.capture.completed",
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			RateLimit:       10,
			RateBurst:       20,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// SetDefaults registers every default on v so environment overrides apply
// to keys that never appear in a config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	defaults := map[string]any{
		"broker.host":                d.Broker.Host,
		"broker.secure_port":         d.Broker.SecurePort,
		"broker.insecure_port":       d.Broker.InsecurePort,
		"broker.username":            d.Broker.Username,
		"broker.password":            d.Broker.Password,
		"broker.secure_acl":          d.Broker.SecureACL,
		"broker.insecure_acl":        d.Broker.InsecureACL,
		"capture.topic_filter":       d.Capture.TopicFilter,
		"capture.client_id":          d.Capture.ClientID,
		"capture.connect_timeout":    d.Capture.ConnectTimeout,
		"capture.max_messages":       d.Capture.MaxMessages,
		"capture.listen_window":      d.Capture.ListenWindow,
		"capture.max_loops":          d.Capture.MaxLoops,
		"capture.settle_loops":       d.Capture.SettleLoops,
		"capture.poll_interval":      d.Capture.PollInterval,
		"capture.cache_ttl":          d.Capture.CacheTTL,
		"capture.registry_retention": d.Capture.RegistryRetention,
		"storage.store_path":         d.Storage.StorePath,
		"storage.history_path":       d.Storage.HistoryPath,
		"storage.history_limit":      d.Storage.HistoryLimit,
		"helper.command":             d.Helper.Command,
		"helper.args":                d.Helper.Args,
		"helper.timeout":             d.Helper.Timeout,
		"remote.url":                 d.Remote.URL,
		"remote.api_key":             d.Remote.APIKey,
		"remote.poll_interval":       d.Remote.PollInterval,
		"remote.timeout":             d.Remote.Timeout,
		"remote.listen_duration":     d.Remote.ListenDuration,
		"remote.max_wait":            d.Remote.MaxWait,
		"events.nats_url":            d.Events.NATSURL,
		"events.subject":             d.Events.Subject,
		"server.addr":                d.Server.Addr,
		"server.api_key":             d.Server.APIKey,
		"server.cors_origins":        d.Server.CORSOrigins,
		"server.rate_limit":          d.Server.RateLimit,
		"server.rate_burst":          d.Server.RateBurst,
		"server.shutdown_timeout":    d.Server.ShutdownTimeout,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Bind prepares v for Load: defaults plus MQTTSCAN_* environment lookups.
func Bind(v *viper.Viper) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load unmarshals and validates the configuration held by v. Callers read
// any config file into v first.
func Load(v *viper.Viper) (*Config, error) {
	Bind(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Broker.Host) == "" {
		errs = append(errs, errors.New("broker.host cannot be empty"))
	}
	if !validPort(c.Broker.SecurePort) {
		errs = append(errs, fmt.Errorf("broker.secure_port %d is out of range", c.Broker.SecurePort))
	}
	if !validPort(c.Broker.InsecurePort) {
		errs = append(errs, fmt.Errorf("broker.insecure_port %d is out of range", c.Broker.InsecurePort))
	}
	if c.Broker.SecurePort == c.Broker.InsecurePort {
		errs = append(errs, errors.New("broker.secure_port and broker.insecure_port must differ"))
	}
	if (c.Broker.Username == "") != (c.Broker.Password == "") {
		errs = append(errs, errors.New("broker.username and broker.password must be set together"))
	}

	if !registry.ValidFilter(c.Capture.TopicFilter) {
		errs = append(errs, fmt.Errorf("capture.topic_filter %q is not a valid topic filter", c.Capture.TopicFilter))
	}
	if strings.TrimSpace(c.Capture.ClientID) == "" {
		errs = append(errs, errors.New("capture.client_id cannot be empty"))
	}
	for name, d := range map[string]time.Duration{
		"capture.connect_timeout": c.Capture.ConnectTimeout,
		"capture.listen_window":   c.Capture.ListenWindow,
		"capture.poll_interval":   c.Capture.PollInterval,
		"capture.cache_ttl":       c.Capture.CacheTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Capture.MaxMessages <= 0 {
		errs = append(errs, errors.New("capture.max_messages must be positive"))
	}
	if c.Capture.MaxLoops <= 0 {
		errs = append(errs, errors.New("capture.max_loops must be positive"))
	}
	if c.Capture.SettleLoops <= 0 {
		errs = append(errs, errors.New("capture.settle_loops must be positive"))
	}

	if c.Storage.HistoryLimit <= 0 {
		errs = append(errs, errors.New("storage.history_limit must be positive"))
	}

	if c.Remote.URL != "" {
		if c.Remote.MaxWait <= 0 {
			errs = append(errs, errors.New("remote.max_wait must be positive"))
		}
		if u, err := url.Parse(c.Remote.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("remote.url %q must be an http or https URL", c.Remote.URL))
		}
	}
	if c.Events.NATSURL != "" && strings.TrimSpace(c.Events.Subject) == "" {
		errs = append(errs, errors.New("events.subject cannot be empty when events.nats_url is set"))
	}

	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit cannot be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// SecureEndpoint is the TLS listener.
func (c *Config) SecureEndpoint() broker.Endpoint {
	return broker.NewEndpoint(c.Broker.Host, c.Broker.SecurePort, true)
}

// InsecureEndpoint is the plaintext listener.
func (c *Config) InsecureEndpoint() broker.Endpoint {
	return broker.NewEndpoint(c.Broker.Host, c.Broker.InsecurePort, false)
}

// Credentials used against the secure listener.
func (c *Config) Credentials() broker.Credentials {
	return broker.Credentials{Username: c.Broker.Username, Password: c.Broker.Password}
}

// Listen converts the capture bounds.
func (c *Config) Listen() capture.ListenConfig {
	return capture.ListenConfig{
		MaxMessages:  c.Capture.MaxMessages,
		ListenWindow: c.Capture.ListenWindow,
		MaxLoops:     c.Capture.MaxLoops,
		SettleLoops:  c.Capture.SettleLoops,
		PollInterval: c.Capture.PollInterval,
	}
}

// CaptureConfig builds the orchestrator configuration.
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		Secure:            c.SecureEndpoint(),
		SecureCredentials: c.Credentials(),
		Insecure:          c.InsecureEndpoint(),
		TopicFilter:       c.Capture.TopicFilter,
		ClientID:          c.Capture.ClientID,
		ConnectTimeout:    c.Capture.ConnectTimeout,
		Listen:            c.Listen(),
		CacheTTL:          c.Capture.CacheTTL,
		RemoteTimeout:     c.Remote.MaxWait,
		SecureACL:         c.Broker.SecureACL,
		InsecureACL:       c.Broker.InsecureACL,
	}
}

// HelperEnabled reports whether a capture helper is configured.
func (c *Config) HelperEnabled() bool {
	return strings.TrimSpace(c.Helper.Command) != ""
}

// CaptureHelper builds the helper runner config.
func (c *Config) CaptureHelper() capture.HelperConfig {
	return capture.HelperConfig{
		Command: c.Helper.Command,
		Args:    c.Helper.Args,
		Timeout: c.Helper.Timeout,
	}
}
