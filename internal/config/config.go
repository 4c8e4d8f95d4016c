// Package config loads gpufand settings from a TOML file, the environment and
// command-line flags, in increasing order of precedence.
package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/gpufand/internal/curve"
	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/journal"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile = "/etc/gpufand.toml"
	DefaultEnvFile    = "/etc/default/gpufand"
	DefaultEnvPrefix  = "GPUFAND"

	DefaultInterval       = 10
	DefaultTimeout        = 5
	DefaultStatusInterval = 10
	DefaultStatusFormat   = "table"
	DefaultBackend        = "nvidia-settings"
	DefaultDisplay        = ":0.0"
	DefaultLogLevel       = "info"
	DefaultJournalPath    = journal.DefaultPath
	DefaultHTTPListen     = "127.0.0.1:9410"
)

// ErrInvalidCurve is reported through Config.CurveErr, never returned by Load.
const ErrInvalidCurve = curve.ErrInvalidCurve

type Config struct {
	Interval       int    `mapstructure:"interval" validate:"gt=0"`
	Timeout        int    `mapstructure:"timeout" validate:"gt=0"`
	StatusInterval int    `mapstructure:"status_interval" validate:"gt=0"`
	StatusFormat   string `mapstructure:"status_format" validate:"oneof=table log off"`
	Backend        string `mapstructure:"backend" validate:"oneof=nvidia-settings nvml"`
	Display        string `mapstructure:"display"`
	Monitor        bool   `mapstructure:"monitor"`
	LogLevel       string `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFile        string `mapstructure:"log_file"`
	PIDFile        string `mapstructure:"pid_file" validate:"required"`
	CurveFile      string `mapstructure:"curve_file"`

	Journal JournalConfig `mapstructure:"journal"`
	HTTP    HTTPConfig    `mapstructure:"http"`

	// Curve is empty when no usable curve was configured; CurveErr then
	// says why.
	Curve    curve.Curve `mapstructure:"-"`
	CurveErr error       `mapstructure:"-"`

	// File is the config file that was read, empty when none was.
	File string `mapstructure:"-"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *Config) StatusIntervalDuration() time.Duration {
	return time.Duration(c.StatusInterval) * time.Second
}

// Option defines a configuration option that can be passed to Load
type Option func(*options)

type options struct {
	configPath string
	envFile    string
	envPrefix  string
	flags      *pflag.FlagSet
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) {
		o.configPath = path
	}
}

// WithEnvFile specifies the dotenv file read before the environment.
func WithEnvFile(path string) Option {
	return func(o *options) {
		o.envFile = path
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "GPUFAND"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) {
		o.envPrefix = prefix
	}
}

// WithFlags binds the flags registered by RegisterFlags. Only flags the user
// actually set override the file and environment.
func WithFlags(fs *pflag.FlagSet) Option {
	return func(o *options) {
		o.flags = fs
	}
}

// flag name -> config key
var flagKeys = map[string]string{
	"interval":  "interval",
	"timeout":   "timeout",
	"backend":   "backend",
	"monitor":   "monitor",
	"log-level": "log_level",
	"log-file":  "log_file",
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Path to config file (default "+DefaultConfigFile+")")
	fs.Int("interval", DefaultInterval, "Seconds between control ticks")
	fs.Int("timeout", DefaultTimeout, "Seconds before a hardware call is abandoned")
	fs.String("backend", DefaultBackend, "Hardware backend: nvidia-settings or nvml")
	fs.Bool("monitor", false, "Only monitor, never take control of the fans")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warning or error")
	fs.String("log-file", "", "Also write JSON logs to this file, rotated")
}

// Load reads the configuration. A broken curve, or a config file that cannot
// be read or parsed, does not fail Load; it leaves Curve empty and sets CurveErr.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{
		envFile:   os.Getenv(DefaultEnvPrefix + "_ENV_FILE"),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.envFile == "" {
		o.envFile = DefaultEnvFile
	}

	// Variables already in the environment win over the file.
	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, explicit := configPath(o)
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	// An unreadable file leaves defaults, environment and flags in place and
	// disables the curve.
	file := ""
	var readErr error
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			readErr = errFactory.Wrap(ErrInvalidCurve, errFactory.Wrap(errors.ErrReadConfig, err))
		}
	} else {
		file = v.ConfigFileUsed()
	}

	if o.flags != nil {
		for name, key := range flagKeys {
			if f := o.flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	cfg.File = file

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if readErr != nil {
		cfg.CurveErr = readErr
	} else {
		cfg.Curve, cfg.CurveErr = loadCurve(v, cfg.CurveFile)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("status_interval", DefaultStatusInterval)
	v.SetDefault("status_format", DefaultStatusFormat)
	v.SetDefault("backend", DefaultBackend)
	v.SetDefault("display", DefaultDisplay)
	v.SetDefault("monitor", false)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("pid_file", filepath.Join(os.TempDir(), "gpufand.pid"))
	v.SetDefault("curve_file", "")
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", DefaultJournalPath)
	v.SetDefault("http.enabled", false)
	v.SetDefault("http.listen", DefaultHTTPListen)
}

// configPath picks the file to read: the option, then the --config flag,
// then the environment, then the default. Only the default may be missing.
func configPath(o *options) (string, bool) {
	if o.configPath != "" {
		return o.configPath, true
	}
	if o.flags != nil {
		if f := o.flags.Lookup("config"); f != nil && f.Value.String() != "" {
			return f.Value.String(), true
		}
	}
	if p := os.Getenv(o.envPrefix + "_CONFIG"); p != "" {
		return p, true
	}
	return DefaultConfigFile, false
}

func loadCurve(v *viper.Viper, curveFile string) (curve.Curve, error) {
	errFactory := errors.New()

	var c curve.Curve
	if v.IsSet("curve") {
		if err := v.UnmarshalKey("curve", &c); err != nil {
			return nil, errFactory.Wrap(ErrInvalidCurve, err)
		}
	}

	if len(c) == 0 && curveFile != "" {
		data, err := os.ReadFile(curveFile)
		if err != nil {
			return nil, errFactory.Wrap(ErrInvalidCurve, err)
		}
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, errFactory.Wrap(ErrInvalidCurve, fmt.Errorf("%s: %w", curveFile, err))
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}
