package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// DefaultPumpCommand mirrors the controller invocation used on the rig:
// control_pump.py --pump N --duration MS
var DefaultPumpCommand = []string{"python3", "control_pump.py", "--pump", "{pump}", "--duration", "{duration}"}

type Config struct {
	Port           int
	DBPath         string
	ReadOnly       bool
	DBOpenTimeout  time.Duration
	EventsTZ       string
	StaticDir      string
	RequestTimeout time.Duration

	LogFormat string
	LogLevel  string

	ConfigFile string

	Pump      PumpConfig
	Schedules []Schedule
}

// PumpConfig describes how the external pump controller is invoked
type PumpConfig struct {
	Command         []string      `yaml:"command"`
	WorkDir         string        `yaml:"workdir"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerOpenFor  time.Duration `yaml:"breaker_open_for"`
}

// Parse reads the process command line, exiting on error like flag.Parse
func Parse() *Config {
	cfg, err := ParseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// ParseArgs builds the configuration from defaults, PULSE_* environment
// variables, an optional YAML file and finally explicit flags.
func ParseArgs(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("pulse", flag.ContinueOnError)

	fs.IntVar(&cfg.Port, "port", getenvInt("PULSE_PORT", 3000), "Web server port")
	fs.StringVar(&cfg.DBPath, "db-path", getenv("PULSE_DB_PATH", "./pulse_data.db"), "SQLite database path")
	fs.BoolVar(&cfg.ReadOnly, "read-only", getenvBool("PULSE_READ_ONLY", false), "Open the database read-only and skip schema creation")
	fs.DurationVar(&cfg.DBOpenTimeout, "db-open-timeout", getenvDuration("PULSE_DB_OPEN_TIMEOUT", 30*time.Second), "How long to retry opening the database at startup")
	fs.StringVar(&cfg.EventsTZ, "events-tz", getenv("PULSE_EVENTS_TZ", "Local"), "Time zone of the pump controller's watering_events timestamps")
	fs.StringVar(&cfg.StaticDir, "static-dir", getenv("PULSE_STATIC_DIR", ""), "Directory with front-end assets (empty = disabled)")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", getenvDuration("PULSE_REQUEST_TIMEOUT", 60*time.Second), "Per-request timeout")

	fs.StringVar(&cfg.LogFormat, "log-format", getenv("PULSE_LOG_FORMAT", LogFormatText), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getenv("PULSE_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.StringVar(&cfg.ConfigFile, "config", getenv("PULSE_CONFIG", ""), "Optional YAML config file (pump command, schedules)")

	var pumpCommand string
	fs.StringVar(&pumpCommand, "pump-command", getenv("PULSE_PUMP_COMMAND", strings.Join(DefaultPumpCommand, " ")),
		"Pump controller command; {pump} and {duration} are substituted")
	fs.StringVar(&cfg.Pump.WorkDir, "pump-workdir", getenv("PULSE_PUMP_WORKDIR", ""), "Working directory for the pump controller")
	fs.DurationVar(&cfg.Pump.Timeout, "pump-timeout", getenvDuration("PULSE_PUMP_TIMEOUT", 30*time.Second), "Grace added to the watering duration before the controller is killed")
	fs.DurationVar(&cfg.Pump.MaxDuration, "pump-max-duration", getenvDuration("PULSE_PUMP_MAX_DURATION", 5*time.Minute), "Longest accepted watering duration")
	fs.IntVar(&cfg.Pump.BreakerFailures, "pump-breaker-failures", getenvInt("PULSE_PUMP_BREAKER_FAILURES", 3), "Consecutive controller failures before failing fast")
	fs.DurationVar(&cfg.Pump.BreakerOpenFor, "pump-breaker-open", getenvDuration("PULSE_PUMP_BREAKER_OPEN", time.Minute), "How long the controller breaker stays open")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Pump.Command = strings.Fields(pumpCommand)

	if cfg.ConfigFile != "" {
		file, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}

		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		file.applyTo(cfg, set)
	}

	if cfg.LogFormat != LogFormatJSON {
		cfg.LogFormat = LogFormatText
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would make the service unusable
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("db path is required")
	}
	if _, err := c.EventLocation(); err != nil {
		return err
	}
	if len(c.Pump.Command) == 0 {
		return errors.New("pump command is empty")
	}
	if c.Pump.Timeout <= 0 {
		return fmt.Errorf("pump timeout must be positive, got %s", c.Pump.Timeout)
	}
	if c.Pump.MaxDuration <= 0 {
		return fmt.Errorf("pump max duration must be positive, got %s", c.Pump.MaxDuration)
	}
	for i, s := range c.Schedules {
		if err := s.validate(); err != nil {
			return fmt.Errorf("schedule %d: %w", i, err)
		}
	}
	return nil
}

// EventLocation resolves EventsTZ; empty and "Local" mean the host zone
func (c *Config) EventLocation() (*time.Location, error) {
	if c.EventsTZ == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.EventsTZ)
	if err != nil {
		return nil, fmt.Errorf("invalid events time zone %q: %w", c.EventsTZ, err)
	}
	return loc, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return d
}

func getenvBool(k string, d bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return d
}

func getenvDuration(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			return dur
		}
	}
	return d
}
