// Package config loads the daemon configuration. Values come from the
// built-in defaults, then an optional YAML file, then HILOGD_* environment
// variables, then command line flags, and are validated last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coffersTech/hilogd/internal/flowctrl"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment overrides. Nested keys are separated by a
// double underscore: HILOGD_LOG__LEVEL sets log.level.
const EnvPrefix = "HILOGD_"

type Config struct {
	SocketDir   string `koanf:"socket_dir" yaml:"socket_dir" validate:"required"`
	InputSocket string `koanf:"input_socket" yaml:"input_socket"`

	PersistDir     string        `koanf:"persist_dir" yaml:"persist_dir" validate:"required"`
	PersistDirWait time.Duration `koanf:"persist_dir_wait" yaml:"persist_dir_wait" validate:"gte=0"`
	FlushInterval  time.Duration `koanf:"flush_interval" yaml:"flush_interval" validate:"gt=0"`
	Timezone       string        `koanf:"timezone" yaml:"timezone"`

	Properties      string `koanf:"properties" yaml:"properties"`
	DomainQuotaFile string `koanf:"domain_quota_file" yaml:"domain_quota_file"`
	ProcQuotaFile   string `koanf:"proc_quota_file" yaml:"proc_quota_file"`
	KmsgPath        string `koanf:"kmsg_path" yaml:"kmsg_path" validate:"required"`

	// SkipMode lets eviction of the main buffer drop unread records instead
	// of blocking. KmsgSkipMode does the same for the kernel buffer.
	SkipMode     bool `koanf:"skip_mode" yaml:"skip_mode"`
	KmsgSkipMode bool `koanf:"kmsg_skip_mode" yaml:"kmsg_skip_mode"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	Log LogConfig `koanf:"log" yaml:"log"`
}

type LogConfig struct {
	Level   string `koanf:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Console bool   `koanf:"console" yaml:"console"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		SocketDir:       "/dev/unix/socket",
		PersistDir:      "/data/log/hilog",
		PersistDirWait:  5 * time.Second,
		FlushInterval:   5 * time.Second,
		Timezone:        "Local",
		Properties:      "/data/log/hilog/hilogd.properties.json",
		DomainQuotaFile: flowctrl.DefaultDomainQuotaFile,
		ProcQuotaFile:   flowctrl.DefaultProcQuotaFile,
		KmsgPath:        "/dev/kmsg",
		SkipMode:        true,
		ShutdownTimeout: 5 * time.Second,
		Log:             LogConfig{Level: "info"},
	}
}

// InputPath is the datagram socket producers write to.
func (c *Config) InputPath() string {
	if c.InputSocket != "" {
		return c.InputSocket
	}
	return filepath.Join(c.SocketDir, "hilogInput")
}

// OutputPath and ControlPath are the stream sockets under SocketDir.
func (c *Config) OutputPath() string  { return filepath.Join(c.SocketDir, "hilogOutput") }
func (c *Config) ControlPath() string { return filepath.Join(c.SocketDir, "hilogControl") }

// Location resolves Timezone, falling back to local time.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// yamlFile is a koanf provider for an optional YAML file. A missing file
// yields no keys.
type yamlFile struct {
	path string
}

func (y yamlFile) ReadBytes() ([]byte, error) {
	return nil, errors.New("yaml file provider does not support ReadBytes")
}

func (y yamlFile) Read() (map[string]interface{}, error) {
	data, err := os.ReadFile(y.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", y.path, err)
	}
	return out, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Load builds a Config from the defaults, the optional file at path and
// the environment. Flags, if any, are applied by the caller through
// Flags.Apply before Validate.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(yamlFile{path: path}, nil); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Flags holds the command line overrides.
type Flags struct {
	ConfigPath string
	socketDir  string
	persistDir string
	properties string
	logLevel   string
	console    bool

	set *pflag.FlagSet
}

// AddFlags registers the daemon flags on flagSet.
func (f *Flags) AddFlags(flagSet *pflag.FlagSet) {
	f.set = flagSet
	flagSet.StringVarP(&f.ConfigPath, "config", "c", "", "path to a YAML configuration file")
	flagSet.StringVar(&f.socketDir, "socket-dir", "", "directory holding the daemon sockets")
	flagSet.StringVar(&f.persistDir, "persist-dir", "", "directory for persisted log files")
	flagSet.StringVar(&f.properties, "properties", "", "property store file")
	flagSet.StringVar(&f.logLevel, "log-level", "", "daemon log level")
	flagSet.BoolVar(&f.console, "console", false, "human readable daemon logs")
}

// Apply copies the flags given on the command line into cfg.
func (f *Flags) Apply(cfg *Config) {
	if f.set == nil {
		return
	}
	if f.set.Changed("socket-dir") {
		cfg.SocketDir = f.socketDir
	}
	if f.set.Changed("persist-dir") {
		cfg.PersistDir = f.persistDir
	}
	if f.set.Changed("properties") {
		cfg.Properties = f.properties
	}
	if f.set.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if f.set.Changed("console") {
		cfg.Log.Console = f.console
	}
}

// FromArgs parses args and returns the validated configuration.
func FromArgs(name string, args []string) (*Config, error) {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	var flags Flags
	flags.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	flags.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
