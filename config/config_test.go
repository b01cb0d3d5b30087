package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steer.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("STEER_PORT", "9123")
	path := writeConfig(t, `
session:
  port: ${STEER_PORT}
  period: 25
  wait: true
  terminatable: true
  pull: true
tracked:
  indices: [0, 4, "10-12"]
force_log:
  path: forces.log
run:
  atoms: 64
  steps: 500
  time_step: 0.001
  box_edge: 2.5
  ranks: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Port != 9123 {
		t.Errorf("port = %d, want env-expanded 9123", cfg.Session.Port)
	}
	if cfg.Session.Period != 25 {
		t.Errorf("period = %d, want 25", cfg.Session.Period)
	}
	if !cfg.Session.Enabled() {
		t.Error("session should be enabled")
	}
	want := IndexList{0, 4, 10, 11, 12}
	if !reflect.DeepEqual(cfg.Tracked.Indices, want) {
		t.Errorf("indices = %v, want %v", cfg.Tracked.Indices, want)
	}
	if cfg.ForceLog.Path != "forces.log" {
		t.Errorf("force log path = %q", cfg.ForceLog.Path)
	}
	if cfg.Run.Ranks != 2 {
		t.Errorf("ranks = %d, want 2", cfg.Run.Ranks)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
session:
  pull: true
tracked:
  indices: [0, 1]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Port != DefaultPort {
		t.Errorf("port = %d, want default %d", cfg.Session.Port, DefaultPort)
	}
	if cfg.Session.Period != DefaultPeriod {
		t.Errorf("period = %d, want default %d", cfg.Session.Period, DefaultPeriod)
	}
	if cfg.Run.Ranks != 1 {
		t.Errorf("ranks = %d, want default 1", cfg.Run.Ranks)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvExpandDefault(t *testing.T) {
	os.Unsetenv("STEER_TEST_UNSET")
	if got := ExpandEnv("port: ${STEER_TEST_UNSET:-8888}"); got != "port: 8888" {
		t.Errorf("ExpandEnv = %q", got)
	}
	if got := ExpandEnv("path: ${STEER_TEST_UNSET}"); got != "path: " {
		t.Errorf("ExpandEnv = %q", got)
	}
}

func TestIndexListRejectsBadRanges(t *testing.T) {
	for _, body := range []string{
		`tracked: {indices: ["5-2"]}`,
		`tracked: {indices: ["a-b"]}`,
		`tracked: {indices: [true]}`,
	} {
		path := writeConfig(t, body)
		if _, err := Load(path); err == nil {
			t.Errorf("config %q: expected error", body)
		}
	}
}

func TestParseIndexSpec(t *testing.T) {
	got, err := ParseIndexSpec("0, 4,10-12")
	if err != nil {
		t.Fatalf("ParseIndexSpec: %v", err)
	}
	want := IndexList{0, 4, 10, 11, 12}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseIndexSpec = %v, want %v", got, want)
	}
	if _, err := ParseIndexSpec("3-1"); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "enabled without tracked atoms",
			body: "session: {pull: true}",
			want: "no tracked atoms",
		},
		{
			name: "negative index",
			body: "session: {pull: true}\ntracked: {indices: [-1]}",
			want: "negative",
		},
		{
			name: "index outside system",
			body: "session: {pull: true}\ntracked: {indices: [99]}\nrun: {atoms: 10}",
			want: "outside system",
		},
		{
			name: "force log without pull",
			body: "session: {terminatable: true}\ntracked: {indices: [0]}\nforce_log: {path: f.log}",
			want: "pulling is disabled",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
