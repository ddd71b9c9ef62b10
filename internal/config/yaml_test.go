package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return tmpFile
}

func TestLoadFile(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFile func(t *testing.T, f *File)
	}{
		{
			name: "full config",
			content: `db_path: /var/lib/pulse/pulse_data.db
pump:
  command: ["python3", "/opt/rig/control_pump.py", "--pump", "{pump}", "--duration", "{duration}"]
  workdir: /opt/rig
  timeout: 45s
  max_duration: 2m
schedules:
  - plant: 1
    cron: "0 7 * * *"
    duration_ms: 2000
  - plant: 2
    cron: "30 19 * * *"
`,
			checkFile: func(t *testing.T, f *File) {
				if f.DBPath != "/var/lib/pulse/pulse_data.db" {
					t.Errorf("expected db_path, got %q", f.DBPath)
				}
				if len(f.Pump.Command) != 6 {
					t.Errorf("expected 6 command parts, got %d", len(f.Pump.Command))
				}
				if f.Pump.Timeout != 45*time.Second {
					t.Errorf("expected timeout 45s, got %s", f.Pump.Timeout)
				}
				if f.Pump.MaxDuration != 2*time.Minute {
					t.Errorf("expected max_duration 2m, got %s", f.Pump.MaxDuration)
				}
				if len(f.Schedules) != 2 {
					t.Fatalf("expected 2 schedules, got %d", len(f.Schedules))
				}
				if f.Schedules[0].DurationMs != 2000 {
					t.Errorf("expected duration 2000, got %d", f.Schedules[0].DurationMs)
				}
			},
		},
		{
			name:    "empty file",
			content: ``,
		},
		{
			name: "schedule without plant",
			content: `schedules:
  - cron: "0 7 * * *"
`,
			wantErr: true,
		},
		{
			name: "schedule with bad cron",
			content: `schedules:
  - plant: 1
    cron: "every morning"
`,
			wantErr: true,
		},
		{
			name: "negative duration",
			content: `schedules:
  - plant: 1
    cron: "0 7 * * *"
    duration_ms: -5
`,
			wantErr: true,
		},
		{
			name:    "invalid yaml",
			content: `pump: [invalid`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := LoadFile(writeConfig(t, tt.content))

			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.checkFile != nil {
				tt.checkFile(t, f)
			}
		})
	}
}

func TestLoadFile_FileNotFound(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}
