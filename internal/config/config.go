// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the bridge configuration from flags, environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/uabridge"
	"github.com/edgeo-scada/uabridge/client"
	"github.com/edgeo-scada/uabridge/control"
	"github.com/edgeo-scada/uabridge/server"
	"github.com/edgeo-scada/uabridge/store"
)

// EnvPrefix prefixes every environment variable, e.g. UABRIDGE_CLIENT_ENDPOINT.
const EnvPrefix = "UABRIDGE"

// Roles.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreNATS   = "nats"
)

// Config is the complete bridge configuration.
type Config struct {
	Role       string        `mapstructure:"role" yaml:"role" validate:"required,oneof=client server"`
	Namespace  string        `mapstructure:"namespace" yaml:"namespace" validate:"required"`
	Limit      int           `mapstructure:"limit" yaml:"limit" validate:"gte=0"`
	SendAckToo bool          `mapstructure:"send_ack_too" yaml:"send_ack_too"`
	OnChange   bool          `mapstructure:"on_change" yaml:"on_change"`
	Publish    string        `mapstructure:"publish" yaml:"publish"`
	Client     ClientConfig  `mapstructure:"client" yaml:"client"`
	Server     ServerConfig  `mapstructure:"server" yaml:"server"`
	Store      StoreConfig   `mapstructure:"store" yaml:"store"`
	Control    ControlConfig `mapstructure:"control" yaml:"control"`
	Log        LogConfig     `mapstructure:"log" yaml:"log"`
}

// ClientConfig configures the client role.
type ClientConfig struct {
	URL                  string        `mapstructure:"endpoint" yaml:"endpoint" validate:"omitempty,startswith=opc.tcp://"`
	SecurityPolicy       string        `mapstructure:"security_policy" yaml:"security_policy"`
	SecurityMode         string        `mapstructure:"security_mode" yaml:"security_mode"`
	Auth                 string        `mapstructure:"auth" yaml:"auth" validate:"omitempty,oneof=anonymous username certificate"`
	Username             string        `mapstructure:"username" yaml:"username" validate:"required_if=Auth username"`
	Password             string        `mapstructure:"password" yaml:"password"`
	CertFile             string        `mapstructure:"cert_file" yaml:"cert_file" validate:"required_if=Auth certificate"`
	KeyFile              string        `mapstructure:"key_file" yaml:"key_file" validate:"required_if=Auth certificate"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval" validate:"gte=0"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval" yaml:"max_reconnect_interval" validate:"gte=0"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gte=0"`
	SessionTimeout       time.Duration `mapstructure:"session_timeout" yaml:"session_timeout" validate:"gte=0"`
}

// Endpoint converts the client settings into an endpoint. Without an explicit
// security mode the mode implied by the authentication type applies.
func (c ClientConfig) Endpoint() (uabridge.Endpoint, error) {
	policy, err := uabridge.ParseSecurityPolicy(c.SecurityPolicy)
	if err != nil {
		return uabridge.Endpoint{}, err
	}
	mode, err := uabridge.ParseSecurityMode(c.SecurityMode)
	if err != nil {
		return uabridge.Endpoint{}, err
	}
	auth, err := uabridge.ParseAuthType(c.Auth)
	if err != nil {
		return uabridge.Endpoint{}, err
	}
	if mode == uabridge.MessageSecurityModeInvalid {
		mode = uabridge.DefaultSecurityMode(auth)
	}
	return uabridge.Endpoint{
		URL:            c.URL,
		SecurityPolicy: policy,
		SecurityMode:   mode,
		AuthType:       auth,
		Username:       c.Username,
		Password:       c.Password,
		CertFile:       c.CertFile,
		KeyFile:        c.KeyFile,
		RequestTimeout: c.RequestTimeout,
		SessionTimeout: c.SessionTimeout,
	}, nil
}

// ServerConfig configures the server role.
type ServerConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Name           string `mapstructure:"name" yaml:"name" validate:"required"`
	SecurityPolicy string `mapstructure:"security_policy" yaml:"security_policy"`
	SecurityMode   string `mapstructure:"security_mode" yaml:"security_mode"`
	CertFile       string `mapstructure:"cert_file" yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile        string `mapstructure:"key_file" yaml:"key_file" validate:"required_with=CertFile"`
	ApplicationURI string `mapstructure:"application_uri" yaml:"application_uri"`
}

// StoreConfig selects the state store. Only the section of the selected kind
// is validated.
type StoreConfig struct {
	Kind  string            `mapstructure:"kind" yaml:"kind" validate:"oneof=memory redis nats"`
	Redis store.RedisConfig `mapstructure:"redis" yaml:"redis" validate:"-"`
	NATS  store.NATSConfig  `mapstructure:"nats" yaml:"nats" validate:"-"`
}

// ControlConfig configures the control surfaces. Empty addresses disable them.
type ControlConfig struct {
	NATS control.NATSConfig `mapstructure:"nats" yaml:"nats"`
	HTTP control.HTTPConfig `mapstructure:"http" yaml:"http"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Role:      RoleClient,
		Namespace: client.DefaultNamespace,
		Limit:     client.DefaultLimit,
		Publish:   "*",
		Client: ClientConfig{
			SecurityPolicy:       "None",
			Auth:                 "anonymous",
			ReconnectInterval:    client.DefaultReconnectInterval,
			MaxReconnectInterval: client.DefaultReconnectInterval,
			RequestTimeout:       uabridge.DefaultTimeout,
			SessionTimeout:       time.Hour,
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           uabridge.DefaultPort,
			Name:           server.DefaultName,
			SecurityPolicy: "None",
		},
		Store: StoreConfig{
			Kind:  StoreMemory,
			Redis: store.RedisConfig{Addr: "localhost:6379", Prefix: "uabridge"},
			NATS:  store.NATSConfig{URL: "nats://localhost:4222", Bucket: "uabridge", Storage: "file"},
		},
		Control: ControlConfig{
			NATS: control.NATSConfig{Prefix: "uabridge.control"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// SetDefaults registers every key with its default value, so that
// environment variables are honoured for all of them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("role", d.Role)
	v.SetDefault("namespace", d.Namespace)
	v.SetDefault("limit", d.Limit)
	v.SetDefault("send_ack_too", d.SendAckToo)
	v.SetDefault("on_change", d.OnChange)
	v.SetDefault("publish", d.Publish)

	v.SetDefault("client.endpoint", d.Client.URL)
	v.SetDefault("client.security_policy", d.Client.SecurityPolicy)
	v.SetDefault("client.security_mode", d.Client.SecurityMode)
	v.SetDefault("client.auth", d.Client.Auth)
	v.SetDefault("client.username", d.Client.Username)
	v.SetDefault("client.password", d.Client.Password)
	v.SetDefault("client.cert_file", d.Client.CertFile)
	v.SetDefault("client.key_file", d.Client.KeyFile)
	v.SetDefault("client.reconnect_interval", d.Client.ReconnectInterval)
	v.SetDefault("client.max_reconnect_interval", d.Client.MaxReconnectInterval)
	v.SetDefault("client.request_timeout", d.Client.RequestTimeout)
	v.SetDefault("client.session_timeout", d.Client.SessionTimeout)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.name", d.Server.Name)
	v.SetDefault("server.security_policy", d.Server.SecurityPolicy)
	v.SetDefault("server.security_mode", d.Server.SecurityMode)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.application_uri", d.Server.ApplicationURI)

	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	v.SetDefault("store.redis.password", d.Store.Redis.Password)
	v.SetDefault("store.redis.db", d.Store.Redis.DB)
	v.SetDefault("store.redis.prefix", d.Store.Redis.Prefix)
	v.SetDefault("store.nats.url", d.Store.NATS.URL)
	v.SetDefault("store.nats.bucket", d.Store.NATS.Bucket)
	v.SetDefault("store.nats.storage", d.Store.NATS.Storage)

	v.SetDefault("control.nats.url", d.Control.NATS.URL)
	v.SetDefault("control.nats.prefix", d.Control.NATS.Prefix)
	v.SetDefault("control.http.addr", d.Control.HTTP.Addr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration, including the selected store section.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var section interface{}
	switch c.Store.Kind {
	case StoreRedis:
		section = c.Store.Redis
	case StoreNATS:
		section = c.Store.NATS
	}
	if section != nil {
		if err := validate.Struct(section); err != nil {
			return fmt.Errorf("invalid store.%s config: %w", c.Store.Kind, err)
		}
	}
	if _, err := c.Client.Endpoint(); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	if _, err := uabridge.ParseSecurityPolicy(c.Server.SecurityPolicy); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	if _, err := uabridge.ParseSecurityMode(c.Server.SecurityMode); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes the default configuration to path. An existing file is
// only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := Default().Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ParseLevel converts a level name, defaulting to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger creates the process logger. The level is read through level so
// that it can change at runtime.
func NewLogger(w io.Writer, cfg LogConfig, level *slog.LevelVar) *slog.Logger {
	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Watch reloads the log level whenever the config file changes. Other
// settings need a restart.
func Watch(v *viper.Viper, level *slog.LevelVar, logger *slog.Logger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		next := ParseLevel(v.GetString("log.level"))
		if next != level.Level() {
			logger.Info("log level changed",
				slog.String("file", e.Name),
				slog.String("level", next.String()))
			level.Set(next)
		}
	})
	v.WatchConfig()
}
