package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	NATS     NATSConfig     `yaml:"nats"`
	Database DatabaseConfig `yaml:"database"`
	Scanner  ScannerConfig  `yaml:"scanner"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WatcherConfig payment watcher configuration
type WatcherConfig struct {
	Network                string           `yaml:"network"`
	ReceiverAddress        string           `yaml:"receiverAddress"`
	HeartbeatInterval      int              `yaml:"heartbeatInterval"`      // seconds
	ReconnectInterval      int              `yaml:"reconnectInterval"`      // seconds, base for exponential backoff
	MaxReconnectAttempts   int              `yaml:"maxReconnectAttempts"`   // per endpoint before rotating
	SubscriptionAckTimeout int              `yaml:"subscriptionAckTimeout"` // seconds
	DefaultPaymentTimeout  int              `yaml:"defaultPaymentTimeout"`  // minutes
	APIKey                 string           `yaml:"apiKey"`
	Endpoints              []EndpointConfig `yaml:"endpoints"`
	Tokens                 []TokenConfig    `yaml:"tokens"`
}

// EndpointConfig a candidate WebSocket JSON-RPC endpoint
type EndpointConfig struct {
	URL            string `yaml:"url"`
	Name           string `yaml:"name"`
	Priority       int    `yaml:"priority"` // lower = preferred
	Timeout        int    `yaml:"timeout"`  // seconds, per connection attempt
	RequiresAPIKey bool   `yaml:"requiresApiKey"`
}

// TokenConfig a supported stablecoin token
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Contract string `yaml:"contract"`
	Decimals uint8  `yaml:"decimals"`
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// DatabaseConfig database configuration (optional event persistence)
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// ScannerConfig fallback block scanner configuration
type ScannerConfig struct {
	Enabled      bool     `yaml:"enabled"`
	RPCEndpoints []string `yaml:"rpcEndpoints"`
	PollInterval int      `yaml:"pollInterval"` // seconds
}

// AppConfig global application configuration instance
var AppConfig *Config

// LoadConfig loads configuration from a YAML file. Path resolution order:
// explicit argument, WATCHER_CONFIG env var, ./config.yaml.
func LoadConfig(path string) error {
	if path == "" {
		path = os.Getenv("WATCHER_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	AppConfig = cfg
	log.Printf("✅ Configuration loaded from %s (%d endpoints, %d tokens)",
		path, len(cfg.Watcher.Endpoints), len(cfg.Watcher.Tokens))
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Watcher.HeartbeatInterval <= 0 {
		c.Watcher.HeartbeatInterval = 30
	}
	if c.Watcher.ReconnectInterval <= 0 {
		c.Watcher.ReconnectInterval = 5
	}
	if c.Watcher.MaxReconnectAttempts <= 0 {
		c.Watcher.MaxReconnectAttempts = 10
	}
	if c.Watcher.SubscriptionAckTimeout <= 0 {
		c.Watcher.SubscriptionAckTimeout = 15
	}
	if c.Watcher.DefaultPaymentTimeout <= 0 {
		c.Watcher.DefaultPaymentTimeout = 30
	}
	if c.Watcher.APIKey == "" {
		c.Watcher.APIKey = os.Getenv("WATCHER_API_KEY")
	}
	for i := range c.Watcher.Endpoints {
		if c.Watcher.Endpoints[i].Timeout <= 0 {
			c.Watcher.Endpoints[i].Timeout = 10
		}
		if c.Watcher.Endpoints[i].Name == "" {
			c.Watcher.Endpoints[i].Name = c.Watcher.Endpoints[i].URL
		}
	}
	if c.Scanner.PollInterval <= 0 {
		c.Scanner.PollInterval = 15
	}
}

func (c *Config) validate() error {
	if len(c.Watcher.Endpoints) == 0 && !c.Scanner.Enabled {
		return fmt.Errorf("at least one WebSocket endpoint is required (or enable the fallback scanner)")
	}
	if c.Watcher.ReceiverAddress == "" {
		return fmt.Errorf("watcher.receiverAddress is required")
	}
	if !strings.HasPrefix(strings.ToLower(c.Watcher.ReceiverAddress), "0x") || len(c.Watcher.ReceiverAddress) != 42 {
		return fmt.Errorf("watcher.receiverAddress must be a 0x-prefixed 20-byte address")
	}
	if len(c.Watcher.Tokens) == 0 {
		return fmt.Errorf("at least one token must be configured")
	}
	for _, t := range c.Watcher.Tokens {
		if t.Symbol == "" || t.Contract == "" {
			return fmt.Errorf("token entries require both symbol and contract")
		}
	}
	return nil
}

// HeartbeatIntervalDuration returns the heartbeat interval as a duration.
func (w *WatcherConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

// ReconnectIntervalDuration returns the base reconnect interval as a duration.
func (w *WatcherConfig) ReconnectIntervalDuration() time.Duration {
	return time.Duration(w.ReconnectInterval) * time.Second
}

// AckTimeoutDuration returns the subscription ack timeout as a duration.
func (w *WatcherConfig) AckTimeoutDuration() time.Duration {
	return time.Duration(w.SubscriptionAckTimeout) * time.Second
}

// DefaultPaymentTimeoutDuration returns the default payment monitoring timeout.
func (w *WatcherConfig) DefaultPaymentTimeoutDuration() time.Duration {
	return time.Duration(w.DefaultPaymentTimeout) * time.Minute
}
