package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

var displayNameRe = regexp.MustCompile(`^:\d+(\.\d+)?$`)

// Config holds the supervisor configuration. Values come from (in order of
// precedence) BOOTHD_* environment variables, the YAML config file, and
// built-in defaults.
type Config struct {
	// AppDir is the directory holding the booth application. Empty means
	// "the directory containing the boothd executable" (symlink-resolved).
	AppDir string `yaml:"app_dir" split_words:"true"`

	// VenvDir is the virtualenv directory, relative to AppDir.
	VenvDir string `yaml:"venv_dir" split_words:"true"`

	// EntryPoint is the application entry point, relative to AppDir.
	EntryPoint string `yaml:"entry_point" split_words:"true"`

	// RuntimeDir holds the lock file, state file, and control socket.
	RuntimeDir string `yaml:"runtime_dir" split_words:"true"`

	// LogBufferLines is the size of the child output ring buffer.
	LogBufferLines int `yaml:"log_buffer_lines" split_words:"true"`

	// WatchEntryPoint restarts the child when the entry point file changes
	// on disk (in-place kiosk updates).
	WatchEntryPoint bool `yaml:"watch_entry_point" split_words:"true"`

	// Env is merged into the child environment, overriding inherited values.
	Env map[string]string `yaml:"env"`

	Display Display `yaml:"display"`
	Restart Restart `yaml:"restart"`
}

// Display configures the X display precondition.
type Display struct {
	// Name is the X display to target, e.g. ":0".
	Name string `yaml:"name" split_words:"true"`

	// Xauthority is the credential file exported to the child and the
	// spawned server. Empty means ~/.Xauthority.
	Xauthority string `yaml:"xauthority" split_words:"true"`

	// ServerCommand is launched when the display is not reachable.
	ServerCommand string `yaml:"server_command" split_words:"true"`

	// PollInterval is the time between reachability probes.
	PollInterval Duration `yaml:"poll_interval" split_words:"true"`

	// WaitTimeout bounds the wait for the display to come up.
	WaitTimeout Duration `yaml:"wait_timeout" split_words:"true"`
}

// Restart configures the relaunch policy.
type Restart struct {
	// Delay is the base pause between child exit and relaunch.
	Delay Duration `yaml:"delay" split_words:"true"`

	// Backoff is "fixed" or "exponential".
	Backoff string `yaml:"backoff" split_words:"true"`

	// MaxDelay caps exponential backoff growth.
	MaxDelay Duration `yaml:"max_delay" split_words:"true"`

	// MaxAttempts limits consecutive relaunches. 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts" split_words:"true"`

	// MaxPerMinute rate-limits relaunches regardless of backoff.
	MaxPerMinute int `yaml:"max_per_minute" split_words:"true"`

	// SettleDelay is the pause after terminating a stale instance, giving
	// the camera and display handles time to be released.
	SettleDelay Duration `yaml:"settle_delay" split_words:"true"`

	// StopGrace is how long a child gets after SIGTERM before SIGKILL.
	StopGrace Duration `yaml:"stop_grace" split_words:"true"`
}

// Duration wraps time.Duration for YAML and envconfig decoding from strings
// like "5s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the built-in configuration for a stock Raspberry Pi
// deployment.
func Default() *Config {
	return &Config{
		VenvDir:         "venv",
		EntryPoint:      "main.py",
		RuntimeDir:      defaultRuntimeDir(),
		LogBufferLines:  1000,
		WatchEntryPoint: true,
		Env: map[string]string{
			"KIVY_WINDOW":     "sdl2",
			"KIVY_GL_BACKEND": "sdl2",
		},
		Display: Display{
			Name:          ":0",
			ServerCommand: "/usr/bin/X :0 -nolisten tcp",
			PollInterval:  Duration{1 * time.Second},
			WaitTimeout:   Duration{60 * time.Second},
		},
		Restart: Restart{
			Delay:        Duration{5 * time.Second},
			Backoff:      "exponential",
			MaxDelay:     Duration{2 * time.Minute},
			MaxPerMinute: 6,
			SettleDelay:  Duration{2 * time.Second},
			StopGrace:    Duration{10 * time.Second},
		},
	}
}

func defaultRuntimeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/selfie-booth"
	}
	return filepath.Join(home, ".selfie-booth")
}

// Load builds the effective config: defaults, then the YAML file at path
// (missing file is fine), then BOOTHD_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := envconfig.Process("boothd", cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is well-formed.
func (c *Config) Validate() error {
	if c.VenvDir == "" {
		return fmt.Errorf("venv_dir is required")
	}
	if c.EntryPoint == "" {
		return fmt.Errorf("entry_point is required")
	}
	if c.LogBufferLines <= 0 {
		return fmt.Errorf("log_buffer_lines must be positive")
	}

	if !displayNameRe.MatchString(c.Display.Name) {
		return fmt.Errorf("display.name %q is invalid: must look like \":0\"", c.Display.Name)
	}
	if c.Display.ServerCommand == "" {
		return fmt.Errorf("display.server_command is required")
	}
	if c.Display.PollInterval.Duration <= 0 {
		return fmt.Errorf("display.poll_interval must be positive")
	}
	if c.Display.WaitTimeout.Duration <= 0 {
		return fmt.Errorf("display.wait_timeout must be positive")
	}

	switch c.Restart.Backoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("restart.backoff must be \"fixed\" or \"exponential\", got %q", c.Restart.Backoff)
	}
	if c.Restart.Delay.Duration <= 0 {
		return fmt.Errorf("restart.delay must be positive")
	}
	if c.Restart.StopGrace.Duration <= 0 {
		return fmt.Errorf("restart.stop_grace must be positive")
	}
	if c.Restart.MaxPerMinute < 0 {
		return fmt.Errorf("restart.max_per_minute must not be negative")
	}

	return nil
}

// ResolveAppDir returns the canonical application directory: the configured
// app_dir if set, otherwise the directory containing the running executable.
func (c *Config) ResolveAppDir() (string, error) {
	if c.AppDir != "" {
		abs, err := filepath.Abs(c.AppDir)
		if err != nil {
			return "", fmt.Errorf("resolving app_dir %q: %w", c.AppDir, err)
		}
		return abs, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating executable: %w", err)
	}
	return AppDirFromExecutable(exe)
}

// AppDirFromExecutable resolves the directory containing the given binary,
// following symlinks so the result is the same whether boothd was invoked
// directly, via a symlink, or with a relative path.
func AppDirFromExecutable(exe string) (string, error) {
	abs, err := filepath.Abs(exe)
	if err != nil {
		return "", fmt.Errorf("resolving executable path %q: %w", exe, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks for %q: %w", abs, err)
	}
	return filepath.Dir(resolved), nil
}

// VenvPath returns the absolute virtualenv directory for the given app dir.
func (c *Config) VenvPath(appDir string) string {
	return filepath.Join(appDir, c.VenvDir)
}

// PythonPath returns the virtualenv interpreter path.
func (c *Config) PythonPath(appDir string) string {
	return filepath.Join(c.VenvPath(appDir), "bin", "python")
}

// EntryPath returns the absolute entry point path.
func (c *Config) EntryPath(appDir string) string {
	return filepath.Join(appDir, c.EntryPoint)
}

// XauthorityPath returns the configured Xauthority file, defaulting to
// ~/.Xauthority when unset.
func (c *Config) XauthorityPath() string {
	if c.Display.Xauthority != "" {
		return c.Display.Xauthority
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".Xauthority")
}
