package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseFlagsDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, configPath, err := ParseFlags(fs, []string{"-node-name", "/h/r1"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if configPath != "" {
		t.Fatalf("expected no config path, got %q", configPath)
	}
	if cfg.NodeName != "/h/r1" {
		t.Fatalf("node name not applied, got %q", cfg.NodeName)
	}
	if cfg.Port != 9000 || cfg.BroadcastPort != 9999 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.PresenceInterval != 30*time.Second || cfg.ResponseTimeout != 60*time.Second {
		t.Fatalf("duration defaults wrong: %+v", cfg)
	}
}

func TestParseFlagsSensorTypesCSV(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, _, err := ParseFlags(fs, []string{"-node-name", "/h/r1", "-sensor-types", "temp, light ,humidity"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	want := []string{"temp", "light", "humidity"}
	if len(cfg.SensorTypes) != len(want) {
		t.Fatalf("got %v want %v", cfg.SensorTypes, want)
	}
	for i, w := range want {
		if cfg.SensorTypes[i] != w {
			t.Fatalf("got %v want %v", cfg.SensorTypes, want)
		}
	}
}

func TestLoadFileLayersOverBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	contents := "node_name: /h/r2\nport: 9100\nsensor_types:\n  - temp\n  - humidity\ncs_ttl: 5s\n"
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFile(path, Default())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.NodeName != "/h/r2" {
		t.Fatalf("node name not layered, got %q", cfg.NodeName)
	}
	if cfg.Port != 9100 {
		t.Fatalf("port not layered, got %d", cfg.Port)
	}
	if cfg.CSTTL != 5*time.Second {
		t.Fatalf("cs_ttl not layered, got %v", cfg.CSTTL)
	}
	// Fields absent from the file must retain the base value.
	if cfg.BroadcastPort != 9999 {
		t.Fatalf("broadcast_port should keep base default, got %d", cfg.BroadcastPort)
	}
}

func TestLoadFileRejectsWorldReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte("node_name: /h/r1\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path, Default()); err == nil {
		t.Fatal("expected permission error for a world-readable config file")
	}
}

func TestLoadFileBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte("response_timeout: not-a-duration\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path, Default()); err == nil {
		t.Fatal("expected a parse error for an invalid duration")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing node name", Config{Port: 1, BroadcastPort: 1}, true},
		{"relative node name", Config{NodeName: "h/r1", Port: 1, BroadcastPort: 1}, true},
		{"trailing slash", Config{NodeName: "/h/r1/", Port: 1, BroadcastPort: 1}, true},
		{"missing port", Config{NodeName: "/h/r1", BroadcastPort: 1}, true},
		{"missing broadcast port", Config{NodeName: "/h/r1", Port: 1}, true},
		{"valid", Config{NodeName: "/h/r1", Port: 1, BroadcastPort: 1}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(c.cfg)
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate(%+v) error=%v, wantErr=%v", c.cfg, err, c.wantErr)
			}
		})
	}
}
