package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/access"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/security"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "branchchat"

type ServerSettings struct {
	Addr string `mapstructure:"addr"`
	// RateLimit is the number of mutations per second allowed per client.
	RateLimit  float64       `mapstructure:"rate-limit"`
	AccessMode string        `mapstructure:"access-mode"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
}

type StoreSettings struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Path   string `mapstructure:"path"`
}

type AgentSettings struct {
	File    string `mapstructure:"file"`
	Default string `mapstructure:"default"`
}

type GenerationSettings struct {
	Provider      string        `mapstructure:"provider"`
	Model         string        `mapstructure:"model"`
	APIKey        string        `mapstructure:"api-key"`
	BaseURL       string        `mapstructure:"base-url"`
	FlushInterval time.Duration `mapstructure:"flush-interval"`
	// AllowLocal lets base-url point at plain http or a local address.
	AllowLocal bool `mapstructure:"allow-local"`
}

type QuerySettings struct {
	DescendantPolicy string `mapstructure:"descendant-policy"`
	MaxAncestors     int    `mapstructure:"max-ancestors"`
}

type ClientSettings struct {
	ServerURL string `mapstructure:"server-url"`
	User      string `mapstructure:"user"`
	Agent     string `mapstructure:"agent"`
}

type Settings struct {
	Server     ServerSettings     `mapstructure:"server"`
	Store      StoreSettings      `mapstructure:"store"`
	Agents     AgentSettings      `mapstructure:"agents"`
	Generation GenerationSettings `mapstructure:"generation"`
	Query      QuerySettings      `mapstructure:"query"`
	Client     ClientSettings     `mapstructure:"client"`

	LogLevel   string `mapstructure:"log-level"`
	LogFormat  string `mapstructure:"log-format"`
	LogFile    string `mapstructure:"log-file"`
	WithCaller bool   `mapstructure:"with-caller"`
}

var defaults = map[string]interface{}{
	"server.addr":               ":8080",
	"server.rate-limit":         20.0,
	"server.access-mode":        string(access.ModeOwner),
	"server.heartbeat":          15 * time.Second,
	"store.driver":              store.DriverSQLite,
	"store.dsn":                 "",
	"store.path":                "branchchat.db",
	"agents.file":               "",
	"agents.default":            "default",
	"generation.provider":       "echo",
	"generation.model":          "",
	"generation.api-key":        "",
	"generation.base-url":       "",
	"generation.allow-local":    false,
	"generation.flush-interval": 150 * time.Millisecond,
	"query.descendant-policy":   string(conversation.PolicyEarliest),
	"query.max-ancestors":       0,
	"client.server-url":         "http://localhost:8080",
	"client.user":               "local",
	"client.agent":              "",
	"log-level":                 "info",
	"log-format":                "text",
	"log-file":                  "",
	"with-caller":               false,
}

// SetDefaults registers every known key on v, which also makes them
// visible to AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
}

// LoadDotEnv loads a .env file into the process environment. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return errors.Wrapf(err, "load %s", path)
	}
	log.Debug().Str("path", path).Msg("loaded environment file")
	return nil
}

// Setup wires v to the environment and the config file. configFile may be
// empty, in which case the usual locations are searched.
func Setup(v *viper.Viper, configFile string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.branchchat")
		v.AddConfigPath("/etc/branchchat")
		if xdgConfigPath, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(xdgConfigPath, "branchchat"))
		}
	}

	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	log.Debug().Str("config", v.ConfigFileUsed()).Msg("loaded configuration")
	return nil
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func invalid(key string, format string, args ...interface{}) error {
	return &conversation.ValidationError{Field: key, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks every setting and names the first offending key.
func (s *Settings) Validate() error {
	if s.Server.Addr == "" {
		return invalid("server.addr", "must not be empty")
	}
	if s.Server.RateLimit < 0 {
		return invalid("server.rate-limit", "must be >= 0, got %v", s.Server.RateLimit)
	}
	if _, err := access.ParseMode(s.Server.AccessMode); err != nil {
		return invalid("server.access-mode", "unknown mode %q", s.Server.AccessMode)
	}
	if s.Server.Heartbeat <= 0 {
		return invalid("server.heartbeat", "must be positive")
	}

	switch s.Store.Driver {
	case store.DriverMemory:
	case store.DriverSQLite:
		if s.Store.DSN == "" && s.Store.Path == "" {
			return invalid("store.path", "sqlite needs a path or a dsn")
		}
	case store.DriverPostgres:
		if s.Store.DSN == "" {
			return invalid("store.dsn", "postgres needs a dsn")
		}
	default:
		return invalid("store.driver", "unknown driver %q", s.Store.Driver)
	}

	switch s.Generation.Provider {
	case "echo":
	case "openai":
		if s.Generation.APIKey == "" {
			return invalid("generation.api-key", "required by the openai provider")
		}
	default:
		return invalid("generation.provider", "unknown provider %q", s.Generation.Provider)
	}
	if s.Generation.BaseURL != "" {
		opts := security.EndpointOptions{AllowHTTP: s.Generation.AllowLocal, AllowLocal: s.Generation.AllowLocal}
		if err := security.ValidateEndpoint(s.Generation.BaseURL, opts); err != nil {
			return invalid("generation.base-url", "%v", err)
		}
	}
	if s.Generation.FlushInterval < 0 {
		return invalid("generation.flush-interval", "must be >= 0")
	}

	if _, err := conversation.ParseSelectionPolicy(s.Query.DescendantPolicy); err != nil {
		return invalid("query.descendant-policy", "unknown policy %q", s.Query.DescendantPolicy)
	}
	if s.Query.MaxAncestors < 0 {
		return invalid("query.max-ancestors", "must be >= 0")
	}
	if s.Client.ServerURL == "" {
		return invalid("client.server-url", "must not be empty")
	}
	if err := security.ValidateEndpoint(s.Client.ServerURL, security.EndpointOptions{AllowHTTP: true, AllowLocal: true}); err != nil {
		return invalid("client.server-url", "%v", err)
	}
	return nil
}

func (s *Settings) StoreConfig() store.Config {
	return store.Config{Driver: s.Store.Driver, DSN: s.Store.DSN, Path: s.Store.Path}
}

func (s *Settings) Policy() conversation.SelectionPolicy {
	p, _ := conversation.ParseSelectionPolicy(s.Query.DescendantPolicy)
	return p
}

func (s *Settings) AccessMode() access.Mode {
	m, _ := access.ParseMode(s.Server.AccessMode)
	return m
}
