// Package config loads server settings from flags, WAHJAM_* environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wahjam/wahjam-sub001/internal/core"
)

const (
	EnvPrefix         = "WAHJAM"
	DefaultConfigFile = "wahjam.yaml"
)

type Config struct {
	Listen             string        `mapstructure:"listen"`
	WSEnabled          bool          `mapstructure:"ws_enabled"`
	WebTransportListen string        `mapstructure:"webtransport_listen"`
	HTTPListen         string        `mapstructure:"http_listen"`
	ServerName         string        `mapstructure:"server_name"`
	DB                 string        `mapstructure:"db"`
	AccountsFile       string        `mapstructure:"accounts_file"`
	LicenseFile        string        `mapstructure:"license_file"`
	Topic              string        `mapstructure:"topic"`
	BPM                int           `mapstructure:"bpm"`
	BPI                int           `mapstructure:"bpi"`
	MaxUsers           int           `mapstructure:"max_users"`
	MaxChannels        int           `mapstructure:"max_channels"`
	Keepalive          time.Duration `mapstructure:"keepalive"`
	VotingThreshold    int           `mapstructure:"voting_threshold"`
	VotingWindow       time.Duration `mapstructure:"voting_window"`
	AllowHiddenUsers   bool          `mapstructure:"allow_hidden_users"`
	ArchiveDir         string        `mapstructure:"archive_dir"`
	LogLevel           string        `mapstructure:"log_level"`
	Debug              bool          `mapstructure:"debug"`

	// ConfigFile is the file that was read, empty when none was.
	ConfigFile string `mapstructure:"-"`
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("wahjam", pflag.ContinueOnError)
	fs.String("config", "", "YAML config file (default "+DefaultConfigFile+" if present)")
	fs.String("listen", ":2049", "TCP listen address for jam clients")
	fs.Bool("ws-enabled", true, "serve the jam protocol over WebSocket at /ws")
	fs.String("webtransport-listen", "", "UDP address for WebTransport (disabled when empty)")
	fs.String("http-listen", ":8080", "HTTP listen address for the status API")
	fs.String("server-name", "wahjam", "server name announced to clients")
	fs.String("db", "wahjam.db", "SQLite database path")
	fs.String("accounts-file", "", "YAML accounts file")
	fs.String("license-file", "", "license text clients must accept")
	fs.String("topic", "", "initial room topic")
	fs.Int("bpm", 120, "initial beats per minute")
	fs.Int("bpi", 8, "initial beats per interval")
	fs.Int("max-users", 0, "member limit (0 for unlimited)")
	fs.Int("max-channels", 32, "default per-user channel quota")
	fs.Duration("keepalive", 3*time.Second, "keepalive interval advertised to clients")
	fs.Int("voting-threshold", 50, "percentage of users needed to pass a vote (0 disables)")
	fs.Duration("voting-window", 60*time.Second, "how long a vote stays valid")
	fs.Bool("allow-hidden-users", false, "let privileged users join without being listed")
	fs.String("archive-dir", "", "directory for session archives (disabled when empty)")
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.Bool("debug", false, "shorthand for --log-level=debug")
	return fs
}

// Load parses args and returns the merged configuration together with the
// remaining positional arguments.
func Load(args []string) (*Config, []string, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	if bindErr != nil {
		return nil, nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	file, _ := fs.GetString("config")
	if file == "" {
		file = os.Getenv(EnvPrefix + "_CONFIG")
	}
	explicit := file != ""
	if !explicit {
		file = DefaultConfigFile
	}
	v.SetConfigFile(file)
	read := true
	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		if explicit || !errors.As(err, &pathErr) {
			return nil, nil, fmt.Errorf("read config %s: %w", file, err)
		}
		read = false
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if read {
		cfg.ConfigFile = file
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, fs.Args(), nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.BPM < core.MinBPM || c.BPM > core.MaxBPM {
		return fmt.Errorf("bpm must be between %d and %d", core.MinBPM, core.MaxBPM)
	}
	if c.BPI < core.MinBPI || c.BPI > core.MaxBPI {
		return fmt.Errorf("bpi must be between %d and %d", core.MinBPI, core.MaxBPI)
	}
	if c.MaxUsers < 0 {
		return errors.New("max_users must not be negative")
	}
	if c.MaxChannels < 1 {
		return errors.New("max_channels must be at least 1")
	}
	if c.VotingThreshold < 0 || c.VotingThreshold > 100 {
		return errors.New("voting_threshold must be between 0 and 100")
	}
	if c.Keepalive < time.Second || c.Keepalive > 255*time.Second {
		return errors.New("keepalive must be between 1s and 255s")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the zerolog level named by LogLevel, or debug when Debug
// is set.
func (c *Config) Level() (zerolog.Level, error) {
	if c.Debug {
		return zerolog.DebugLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Room returns the room settings. license is the text of LicenseFile.
func (c *Config) Room(license string) core.Config {
	return core.Config{
		ServerName:       c.ServerName,
		License:          license,
		Topic:            c.Topic,
		BPM:              c.BPM,
		BPI:              c.BPI,
		MaxUsers:         c.MaxUsers,
		MaxChannels:      c.MaxChannels,
		Keepalive:        c.Keepalive,
		VotingThreshold:  c.VotingThreshold,
		VotingWindow:     c.VotingWindow,
		AllowHiddenUsers: c.AllowHiddenUsers,
	}
}
