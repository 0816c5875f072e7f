// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package config loads the configuration of conduit programs.
//
// Configuration is read from a YAML file, and any setting can be overridden
// by an environment variable with the prefix CONDUIT. Dots and dashes in the
// name of a setting become underscores, so for example CONDUIT_LOG_LEVEL
// overrides log.level.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override settings.
const EnvPrefix = "CONDUIT"

// Config is the root configuration.
type Config struct {
	Log LogConfig `mapstructure:"log"`
	Net NetConfig `mapstructure:"net"`
	TLS TLSConfig `mapstructure:"tls"`
	WS  WSConfig  `mapstructure:"ws"`
	Shm ShmConfig `mapstructure:"shm"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level is one of debug, info, warn, or error.
	Level string `mapstructure:"level"`

	// Format is console or json.
	Format string `mapstructure:"format"`

	// Outputs lists where logs are written: stdout, stderr, or file paths.
	Outputs []string `mapstructure:"outputs"`

	Rotation RotationConfig `mapstructure:"rotation"`

	// Development enables development-friendly logging.
	Development bool `mapstructure:"development"`
}

// RotationConfig controls rotation of log files.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// NetConfig defines channel network settings.
type NetConfig struct {
	// Host is the address advertised in the definitions of server
	// channels. Servers always bind all interfaces. If empty, the first
	// non-loopback IPv4 address of the machine is advertised.
	Host string `mapstructure:"host"`

	// SendBufferSize and ReceiveBufferSize are the initial buffer sizes of
	// channels, in bytes. Zero means the channel default.
	SendBufferSize    int `mapstructure:"send_buffer_size"`
	ReceiveBufferSize int `mapstructure:"receive_buffer_size"`

	// DynamicBuffers makes channel buffers grow to fit each message.
	DynamicBuffers bool `mapstructure:"dynamic_buffers"`

	// MaxMessageSize bounds the size of a received message when buffers are
	// dynamic. Zero means the channel default.
	MaxMessageSize int `mapstructure:"max_message_size"`
}

// TLSConfig defines TLS settings for TCP channels.
type TLSConfig struct {
	Enable bool `mapstructure:"enable"`

	// CertFile and KeyFile are PEM files with the certificate chain and the
	// private key of a server.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// CAFile is a PEM file of certificates a client trusts. If empty, the
	// system roots are used.
	CAFile string `mapstructure:"ca_file"`

	// ServerName overrides the name a client verifies.
	ServerName string `mapstructure:"server_name"`

	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// WSConfig defines WebSocket settings.
type WSConfig struct {
	PermessageDeflate   bool `mapstructure:"permessage_deflate"`
	ServerMaxWindowBits int  `mapstructure:"server_max_window_bits"`
}

// ShmConfig defines shared-memory settings.
type ShmConfig struct {
	RegionSize int `mapstructure:"region_size"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		TLS: TLSConfig{HandshakeTimeout: 10 * time.Second},
		WS:  WSConfig{ServerMaxWindowBits: 10},
		Shm: ShmConfig{RegionSize: 1 << 20},
	}
}

// Load reads configuration from path. If path is empty, Load uses the file
// named by $CONDUIT_CONFIG, or searches for conduit.yaml in the working
// directory and in $HOME/.conduit. A missing file is not an error, and the
// defaults and environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Every key needs a default, so that environment-only settings are seen
	// by Unmarshal.
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("net.host", cfg.Net.Host)
	v.SetDefault("net.send_buffer_size", cfg.Net.SendBufferSize)
	v.SetDefault("net.receive_buffer_size", cfg.Net.ReceiveBufferSize)
	v.SetDefault("net.dynamic_buffers", cfg.Net.DynamicBuffers)
	v.SetDefault("net.max_message_size", cfg.Net.MaxMessageSize)
	v.SetDefault("tls.enable", cfg.TLS.Enable)
	v.SetDefault("tls.cert_file", cfg.TLS.CertFile)
	v.SetDefault("tls.key_file", cfg.TLS.KeyFile)
	v.SetDefault("tls.ca_file", cfg.TLS.CAFile)
	v.SetDefault("tls.server_name", cfg.TLS.ServerName)
	v.SetDefault("tls.insecure_skip_verify", cfg.TLS.InsecureSkipVerify)
	v.SetDefault("tls.handshake_timeout", cfg.TLS.HandshakeTimeout)
	v.SetDefault("ws.permessage_deflate", cfg.WS.PermessageDeflate)
	v.SetDefault("ws.server_max_window_bits", cfg.WS.ServerMaxWindowBits)
	v.SetDefault("shm.region_size", cfg.Shm.RegionSize)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conduit")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".conduit"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings of c are usable, and fills in defaults
// for empty log settings.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.Net.SendBufferSize < 0 || c.Net.ReceiveBufferSize < 0 || c.Net.MaxMessageSize < 0 {
		return errors.New("net buffer and message sizes must be non-negative")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	if c.TLS.HandshakeTimeout < 0 {
		return fmt.Errorf("invalid tls.handshake_timeout: %v", c.TLS.HandshakeTimeout)
	}
	if b := c.WS.ServerMaxWindowBits; b != 0 && (b < 8 || b > 15) {
		return fmt.Errorf("ws.server_max_window_bits must be between 8 and 15: %d", b)
	}
	if c.Shm.RegionSize < 0 {
		return fmt.Errorf("invalid shm.region_size: %d", c.Shm.RegionSize)
	}
	return nil
}
