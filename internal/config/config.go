// Package config loads server and client settings with viper. Values come
// from defaults, an optional config file, REPLMUX_* environment variables and
// bound command-line flags, in increasing order of precedence.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"replmux/internal/logutil"
)

const envPrefix = "REPLMUX"

// Server holds the server settings.
type Server struct {
	Listen         string         `mapstructure:"listen"`
	UsersFile      string         `mapstructure:"users_file"`
	MaxSessions    int            `mapstructure:"max_sessions"`
	Workers        int            `mapstructure:"workers"`
	TranscriptSize int            `mapstructure:"transcript_size"`
	Log            logutil.Config `mapstructure:"log"`
}

// Client holds the terminal client settings.
type Client struct {
	User        string         `mapstructure:"user"`
	Password    string         `mapstructure:"password"`
	Session     uint64         `mapstructure:"session"`
	Replay      bool           `mapstructure:"replay"`
	Keep        bool           `mapstructure:"keep"`
	DialTimeout time.Duration  `mapstructure:"dial_timeout"`
	Log         logutil.Config `mapstructure:"log"`
}

// NewServerViper returns a viper instance with the server defaults and
// environment binding applied. Callers may bind flags to it before Load.
func NewServerViper() *viper.Viper {
	v := newViper()
	v.SetDefault("listen", "127.0.0.1:8420")
	v.SetDefault("users_file", "")
	v.SetDefault("max_sessions", 0)
	v.SetDefault("workers", 16)
	v.SetDefault("transcript_size", 200)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file.filename", "")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_days", 30)
	return v
}

// NewClientViper returns a viper instance with the client defaults and
// environment binding applied.
func NewClientViper() *viper.Viper {
	v := newViper()
	v.SetDefault("user", "")
	v.SetDefault("password", "")
	v.SetDefault("session", 0)
	v.SetDefault("replay", false)
	v.SetDefault("keep", false)
	v.SetDefault("dial_timeout", 10*time.Second)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")
	return v
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadServer reads the optional config file at path into v and decodes the
// server settings.
func LoadServer(v *viper.Viper, path string) (Server, error) {
	var cfg Server
	if err := readFile(v, path); err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode server config")
	}
	return cfg, cfg.Validate()
}

// LoadClient decodes the client settings from v.
func LoadClient(v *viper.Viper) (Client, error) {
	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode client config")
	}
	if cfg.DialTimeout <= 0 {
		return cfg, errors.Newf("dial_timeout must be positive, got %s", cfg.DialTimeout)
	}
	return cfg, nil
}

// Validate checks the server settings.
func (c Server) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("listen address is required")
	case c.Workers < 1:
		return errors.Newf("workers must be at least 1, got %d", c.Workers)
	case c.MaxSessions < 0:
		return errors.Newf("max_sessions must not be negative, got %d", c.MaxSessions)
	case c.TranscriptSize < 0:
		return errors.Newf("transcript_size must not be negative, got %d", c.TranscriptSize)
	}
	return nil
}

func readFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	case ".json":
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return nil
}

// BindFlags binds each config key to the named flag. Flags left at their
// default do not override the config file or environment.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := flags.Lookup(name)
		if f == nil {
			return errors.Newf("unknown flag %q for key %s", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", name)
		}
	}
	return nil
}
