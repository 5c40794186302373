// Package config builds a node's runtime configuration from CLI flags,
// optionally layered over a YAML file. Grounded on
// shurlinet-shurli/internal/config/loader.go's raw-struct-then-typed
// YAML unmarshal and its config-file permission check.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is every node construction argument spec.md §6 names, plus the
// metrics listen address this expansion adds.
type Config struct {
	NodeName          string        `yaml:"node_name"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	BroadcastAddr     string        `yaml:"broadcast_addr"`
	BroadcastPort     int           `yaml:"broadcast_port"`
	SensorTypes       []string      `yaml:"sensor_types"`
	PresenceInterval  time.Duration `yaml:"presence_broadcast_interval"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	CSTTL             time.Duration `yaml:"cs_ttl"`
	MaxHops           int           `yaml:"max_hops"`
	WireVersion       string        `yaml:"wire_version"`
	PhoneNameMarker   string        `yaml:"phone_name_marker"`
	MetricsAddr       string        `yaml:"metrics_addr"`
}

// Default returns the spec-mandated defaults: 30s presence interval, 60s
// response timeout, 10s CS TTL, 16-hop cutoff.
func Default() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             9000,
		BroadcastAddr:    "255.255.255.255",
		BroadcastPort:    9999,
		PresenceInterval: 30 * time.Second,
		ResponseTimeout:  60 * time.Second,
		CSTTL:            10 * time.Second,
		MaxHops:          16,
		WireVersion:      "v1",
		PhoneNameMarker:  "phone",
	}
}

// checkFilePermissions rejects a config file that group or others can
// access, since it may leak network topology (broadcast address, node
// name). Mirrors the loader's 0077-mask check.
func checkFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // caller handles the read error
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadFile reads and parses a YAML config file, layering its values over
// base. Zero-valued fields in the file leave base's value untouched, so
// a file may override only the fields it sets.
func LoadFile(path string, base Config) (Config, error) {
	if err := checkFilePermissions(path); err != nil {
		return base, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw struct {
		NodeName         string   `yaml:"node_name"`
		Host             string   `yaml:"host"`
		Port             int      `yaml:"port"`
		BroadcastAddr    string   `yaml:"broadcast_addr"`
		BroadcastPort    int      `yaml:"broadcast_port"`
		SensorTypes      []string `yaml:"sensor_types"`
		PresenceInterval string   `yaml:"presence_broadcast_interval"`
		ResponseTimeout  string   `yaml:"response_timeout"`
		CSTTL            string   `yaml:"cs_ttl"`
		MaxHops          int      `yaml:"max_hops"`
		WireVersion      string   `yaml:"wire_version"`
		PhoneNameMarker  string   `yaml:"phone_name_marker"`
		MetricsAddr      string   `yaml:"metrics_addr"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return base, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg := base
	if raw.NodeName != "" {
		cfg.NodeName = raw.NodeName
	}
	if raw.Host != "" {
		cfg.Host = raw.Host
	}
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}
	if raw.BroadcastAddr != "" {
		cfg.BroadcastAddr = raw.BroadcastAddr
	}
	if raw.BroadcastPort != 0 {
		cfg.BroadcastPort = raw.BroadcastPort
	}
	if len(raw.SensorTypes) > 0 {
		cfg.SensorTypes = raw.SensorTypes
	}
	if raw.PresenceInterval != "" {
		d, err := time.ParseDuration(raw.PresenceInterval)
		if err != nil {
			return base, fmt.Errorf("invalid presence_broadcast_interval: %w", err)
		}
		cfg.PresenceInterval = d
	}
	if raw.ResponseTimeout != "" {
		d, err := time.ParseDuration(raw.ResponseTimeout)
		if err != nil {
			return base, fmt.Errorf("invalid response_timeout: %w", err)
		}
		cfg.ResponseTimeout = d
	}
	if raw.CSTTL != "" {
		d, err := time.ParseDuration(raw.CSTTL)
		if err != nil {
			return base, fmt.Errorf("invalid cs_ttl: %w", err)
		}
		cfg.CSTTL = d
	}
	if raw.MaxHops != 0 {
		cfg.MaxHops = raw.MaxHops
	}
	if raw.WireVersion != "" {
		cfg.WireVersion = raw.WireVersion
	}
	if raw.PhoneNameMarker != "" {
		cfg.PhoneNameMarker = raw.PhoneNameMarker
	}
	if raw.MetricsAddr != "" {
		cfg.MetricsAddr = raw.MetricsAddr
	}
	return cfg, nil
}

// ParseFlags registers every spec.md §6 field onto fs (ordinarily
// flag.CommandLine), parses args over Default(), and returns the result
// together with the --config path (empty if not given). It does not
// read the config file; LoadFile does that.
func ParseFlags(fs *flag.FlagSet, args []string) (Config, string, error) {
	cfg := Default()
	var sensorTypesCSV string
	var configPath string

	fs.StringVar(&configPath, "config", "", "optional YAML config file (layered under flags)")
	fs.StringVar(&cfg.NodeName, "node-name", cfg.NodeName, "this node's hierarchical name, e.g. /h/r1")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "TCP listen host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP listen port for interest/data")
	fs.StringVar(&cfg.BroadcastAddr, "broadcast-addr", cfg.BroadcastAddr, "UDP broadcast address")
	fs.IntVar(&cfg.BroadcastPort, "broadcast-port", cfg.BroadcastPort, "UDP broadcast port for discovery/routing")
	fs.StringVar(&sensorTypesCSV, "sensor-types", "", "comma-separated local sensor names this node serves")
	fs.DurationVar(&cfg.PresenceInterval, "presence-interval", cfg.PresenceInterval, "presence/DV broadcast cadence")
	fs.DurationVar(&cfg.ResponseTimeout, "response-timeout", cfg.ResponseTimeout, "local get()/Request timeout")
	fs.DurationVar(&cfg.CSTTL, "cs-ttl", cfg.CSTTL, "Content Store entry TTL")
	fs.IntVar(&cfg.MaxHops, "max-hops", cfg.MaxHops, "distance-vector loop-suppression cutoff")
	fs.StringVar(&cfg.WireVersion, "wire-version", cfg.WireVersion, "packet codec version string")
	fs.StringVar(&cfg.PhoneNameMarker, "phone-marker", cfg.PhoneNameMarker, "substring identifying phone nodes for alert fan-out")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "optional host:port to serve /metrics on")

	if err := fs.Parse(args); err != nil {
		return Config{}, "", err
	}
	if sensorTypesCSV != "" {
		cfg.SensorTypes = splitCSV(sensorTypesCSV)
	}
	return cfg, configPath, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the fields the node cannot start without.
func Validate(cfg Config) error {
	if cfg.NodeName == "" {
		return fmt.Errorf("node_name is required")
	}
	if !strings.HasPrefix(cfg.NodeName, "/") {
		return fmt.Errorf("node_name must be an absolute hierarchical path starting with /, got %q", cfg.NodeName)
	}
	if strings.HasSuffix(cfg.NodeName, "/") {
		return fmt.Errorf("node_name must not have a trailing slash, got %q", cfg.NodeName)
	}
	if cfg.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if cfg.BroadcastPort == 0 {
		return fmt.Errorf("broadcast_port is required")
	}
	return nil
}
