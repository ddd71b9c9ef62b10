package config

import (
	"reflect"
	"testing"
	"time"
)

func TestParseArgs_Defaults(t *testing.T) {
	cfg, err := ParseArgs(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 3000 {
		t.Errorf("expected port 3000, got %d", cfg.Port)
	}
	if cfg.DBPath != "./pulse_data.db" {
		t.Errorf("expected default db path, got %q", cfg.DBPath)
	}
	if !reflect.DeepEqual(cfg.Pump.Command, DefaultPumpCommand) {
		t.Errorf("expected default pump command, got %v", cfg.Pump.Command)
	}
	if cfg.Pump.Timeout != 30*time.Second {
		t.Errorf("expected pump timeout 30s, got %s", cfg.Pump.Timeout)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("expected text log format, got %q", cfg.LogFormat)
	}
}

func TestParseArgs_Env(t *testing.T) {
	t.Setenv("PULSE_PORT", "8081")
	t.Setenv("PULSE_READ_ONLY", "true")
	t.Setenv("PULSE_PUMP_TIMEOUT", "10s")

	cfg, err := ParseArgs(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8081 {
		t.Errorf("expected port 8081, got %d", cfg.Port)
	}
	if !cfg.ReadOnly {
		t.Error("expected read-only from env")
	}
	if cfg.Pump.Timeout != 10*time.Second {
		t.Errorf("expected pump timeout 10s, got %s", cfg.Pump.Timeout)
	}
}

func TestParseArgs_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `db_path: /from/file.db
pump:
  command: ["/opt/rig/pump", "{pump}", "{duration}"]
  timeout: 5s
schedules:
  - plant: 3
    cron: "0 6 * * *"
    duration_ms: 1500
`)

	cfg, err := ParseArgs([]string{"-config", path, "-db-path", "/from/flag.db", "-log-format", "json"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DBPath != "/from/flag.db" {
		t.Errorf("expected flag db path to win, got %q", cfg.DBPath)
	}
	if cfg.Pump.Command[0] != "/opt/rig/pump" {
		t.Errorf("expected pump command from file, got %v", cfg.Pump.Command)
	}
	if cfg.Pump.Timeout != 5*time.Second {
		t.Errorf("expected pump timeout from file, got %s", cfg.Pump.Timeout)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Plant != 3 {
		t.Errorf("expected one schedule for plant 3, got %+v", cfg.Schedules)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("expected json log format, got %q", cfg.LogFormat)
	}
}

func TestParseArgs_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad port", []string{"-port", "0"}},
		{"empty pump command", []string{"-pump-command", "  "}},
		{"zero pump timeout", []string{"-pump-timeout", "0s"}},
		{"unknown flag", []string{"-nope"}},
		{"unknown events zone", []string{"-events-tz", "Mars/Olympus_Mons"}},
		{"missing config file", []string{"-config", "/nonexistent/pulse.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseArgs(tt.args); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestEventLocation(t *testing.T) {
	cfg, err := ParseArgs(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loc, err := cfg.EventLocation()
	if err != nil || loc != time.Local {
		t.Errorf("expected time.Local by default, got %v, %v", loc, err)
	}

	cfg, err = ParseArgs([]string{"-events-tz", "UTC"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loc, err = cfg.EventLocation()
	if err != nil || loc != time.UTC {
		t.Errorf("expected UTC, got %v, %v", loc, err)
	}
}
