// Package config loads esbonio settings using Viper from a config file,
// ESBONIO_ environment variables and built-in defaults.
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

const envPrefix = "ESBONIO"

type Config struct {
	Preview PreviewConfig `mapstructure:"preview"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// PreviewConfig controls the two preview listeners. A zero port asks the
// OS for an ephemeral one.
type PreviewConfig struct {
	Bind            string `mapstructure:"bind"`
	HTTPPort        int    `mapstructure:"http_port"`
	WSPort          int    `mapstructure:"ws_port"`
	ShowLineMarkers bool   `mapstructure:"show_line_markers"`
}

type WorkerConfig struct {
	Command        []string      `mapstructure:"command"`
	Env            []string      `mapstructure:"env"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Equal reports whether both configurations would produce identical
// preview listeners and URLs.
func (p PreviewConfig) Equal(o PreviewConfig) bool {
	return p == o
}

// ContentChanged reports whether moving from p to o requires rebinding the
// content server.
func (p PreviewConfig) ContentChanged(o PreviewConfig) bool {
	return p.Bind != o.Bind || p.HTTPPort != o.HTTPPort
}

// ControlChanged reports whether moving from p to o requires rebinding the
// control channel.
func (p PreviewConfig) ControlChanged(o PreviewConfig) bool {
	return p.Bind != o.Bind || p.WSPort != o.WSPort
}

func DefaultPreview() PreviewConfig {
	return PreviewConfig{Bind: "localhost"}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("preview.bind", "localhost")
	v.SetDefault("preview.http_port", 0)
	v.SetDefault("preview.ws_port", 0)
	v.SetDefault("preview.show_line_markers", false)
	v.SetDefault("worker.command", []string{"esbonio-worker"})
	v.SetDefault("worker.startup_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.addr", "")
}

// New returns a Viper instance configured with esbonio defaults, search
// paths and environment bindings. If path is empty ESBONIO_CONFIG is used,
// then esbonio.{yaml,toml,json} in the user config dir or working dir.
func New(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		return v
	}

	v.SetConfigName("esbonio")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "esbonio"))
	}
	v.AddConfigPath(".")
	return v
}

// Load reads the configuration file (if any) and decodes it. A missing file
// is not an error; defaults apply.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Viper leaves string slices from env vars as a single element.
	if len(cfg.Worker.Command) == 1 && strings.Contains(cfg.Worker.Command[0], " ") {
		cfg.Worker.Command = strings.Fields(cfg.Worker.Command[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that can never work.
func (c *Config) Validate() error {
	ports := []struct {
		name string
		port int
	}{
		{"preview.http_port", c.Preview.HTTPPort},
		{"preview.ws_port", c.Preview.WSPort},
	}
	for _, p := range ports {
		if p.port < 0 || p.port > 65535 {
			return fmt.Errorf("%s: port %d out of range", p.name, p.port)
		}
	}
	if len(c.Worker.Command) == 0 || c.Worker.Command[0] == "" {
		return errors.New("worker.command: must not be empty")
	}
	if c.Worker.StartupTimeout < 0 {
		return errors.New("worker.startup_timeout: must not be negative")
	}
	return nil
}
