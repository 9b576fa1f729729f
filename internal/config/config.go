// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Playback() PlaybackConfig
	Agent() AgentConfig
	DNS() DNSConfig
	Network() NetworkConfig
	Server() ServerConfig

	// Flag overrides
	SetPlaybackMode(string)
	SetPlaybackSpeed(string)
	SetServerAddr(string)
}

// Config holds the entire application configuration. It uses private fields
// to enforce access through the Interface's getter methods.
type Config struct {
	logger   LoggerConfig
	playback PlaybackConfig
	agent    AgentConfig
	dns      DNSConfig
	network  NetworkConfig
	server   ServerConfig
}

// fileConfig mirrors Config with exported fields so viper can decode into it.
type fileConfig struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	DNS      DNSConfig      `mapstructure:"dns" yaml:"dns"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.logger }
func (c *Config) Playback() PlaybackConfig { return c.playback }
func (c *Config) Agent() AgentConfig       { return c.agent }
func (c *Config) DNS() DNSConfig           { return c.dns }
func (c *Config) Network() NetworkConfig   { return c.network }
func (c *Config) Server() ServerConfig     { return c.server }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetPlaybackMode(m string)  { c.playback.Mode = m }
func (c *Config) SetPlaybackSpeed(s string) { c.playback.Speed = s }
func (c *Config) SetServerAddr(a string)    { c.server.Addr = a }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// PlaybackConfig holds the initial controls every driver starts with.
type PlaybackConfig struct {
	Mode    string `mapstructure:"mode" yaml:"mode"`
	Speed   string `mapstructure:"speed" yaml:"speed"`
	Verbose bool   `mapstructure:"verbose" yaml:"verbose"`
}

// AgentConfig selects the agent loop walkthrough played by default.
type AgentConfig struct {
	Scenario string `mapstructure:"scenario" yaml:"scenario"`
}

// DNSConfig holds the DNS journey defaults.
type DNSConfig struct {
	Domain string `mapstructure:"domain" yaml:"domain"`
}

// NetworkConfig holds the propagation defaults.
type NetworkConfig struct {
	Origin string `mapstructure:"origin" yaml:"origin"`
	From   string `mapstructure:"from" yaml:"from"`
	To     string `mapstructure:"to" yaml:"to"`
	Amount int    `mapstructure:"amount" yaml:"amount"`
}

// ServerConfig configures the HTTP and websocket surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	ReadLimit       int64         `mapstructure:"read_limit" yaml:"read_limit"`
	CommandRate     float64       `mapstructure:"command_rate" yaml:"command_rate"`
	CommandBurst    int           `mapstructure:"command_burst" yaml:"command_burst"`
	BusBuffer       int           `mapstructure:"bus_buffer" yaml:"bus_buffer"`
	MaxSessions     int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := decode(v)
	if err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "warn")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "stepwise")
	v.SetDefault("logger.log_file", "~/.stepwise/stepwise.log")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Playback --
	v.SetDefault("playback.mode", "auto")
	v.SetDefault("playback.speed", "medium")
	v.SetDefault("playback.verbose", false)

	// -- Instances --
	v.SetDefault("agent.scenario", "math")
	v.SetDefault("dns.domain", "google.com")
	v.SetDefault("network.origin", "Node A")
	v.SetDefault("network.from", "Alice")
	v.SetDefault("network.to", "Bob")
	v.SetDefault("network.amount", 100)

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.ping_interval", "30s")
	v.SetDefault("server.read_limit", 4096)
	v.SetDefault("server.command_rate", 10.0)
	v.SetDefault("server.command_burst", 20)
	v.SetDefault("server.bus_buffer", 64)
	v.SetDefault("server.max_sessions", 256)
	v.SetDefault("server.allowed_origins", []string{})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if fc.Logger.LogFile != "" {
		expanded, err := homedir.Expand(fc.Logger.LogFile)
		if err != nil {
			return nil, fmt.Errorf("error expanding logger.log_file: %w", err)
		}
		fc.Logger.LogFile = expanded
	}
	return &Config{
		logger:   fc.Logger,
		playback: fc.Playback,
		agent:    fc.Agent,
		dns:      fc.DNS,
		network:  fc.Network,
		server:   fc.Server,
	}, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.logger.Validate(); err != nil {
		return fmt.Errorf("logger configuration invalid: %w", err)
	}
	if err := c.playback.Validate(); err != nil {
		return fmt.Errorf("playback configuration invalid: %w", err)
	}
	if strings.TrimSpace(c.agent.Scenario) == "" {
		return fmt.Errorf("agent.scenario is required")
	}
	if c.network.Amount <= 0 {
		return fmt.Errorf("network.amount must be a positive integer")
	}
	if err := c.server.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the logger settings.
func (l *LoggerConfig) Validate() error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return fmt.Errorf("unknown level %q", l.Level)
	}
	if l.Format != "console" && l.Format != "json" {
		return fmt.Errorf("format must be console or json, got %q", l.Format)
	}
	return nil
}

// Validate checks the playback controls.
func (p *PlaybackConfig) Validate() error {
	if _, err := timeline.ParseMode(p.Mode); err != nil {
		return err
	}
	if _, err := script.ParseSpeed(p.Speed); err != nil {
		return err
	}
	return nil
}

// Validate checks the server settings.
func (s *ServerConfig) Validate() error {
	if s.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if s.ReadTimeout <= 0 || s.WriteTimeout <= 0 || s.ShutdownTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive durations")
	}
	if s.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be a positive duration")
	}
	if s.ReadLimit <= 0 {
		return fmt.Errorf("read_limit must be a positive integer")
	}
	if s.CommandRate <= 0 || s.CommandBurst < 1 {
		return fmt.Errorf("command_rate must be positive and command_burst at least 1")
	}
	if s.BusBuffer < 0 {
		return fmt.Errorf("bus_buffer must not be negative")
	}
	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1")
	}
	return nil
}
