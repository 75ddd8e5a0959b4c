// Package config loads mycelium configuration from defaults, an optional
// HCL or YAML file, MYCELIUM_* environment variables and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// EnvPrefix is prepended to environment variable names.
const EnvPrefix = "MYCELIUM"

// Defaults holds the default values applied before any source is read.
var Defaults = struct {
	TransportBackend string
	HistoryBackend   string
	Codec            string
	CallTimeout      time.Duration
	DispatchBatch    int
	Concurrency      int
	HistoryWait      time.Duration
	PollInterval     time.Duration
	DiscoveryTimeout time.Duration
	LogLevel         string
	LogFormat        string
	MetricsAddr      string
	OTLPProtocol     string
	ServiceName      string
}{
	TransportBackend: "memory",
	HistoryBackend:   "memory",
	Codec:            "json",
	CallTimeout:      5 * time.Second,
	DispatchBatch:    100,
	Concurrency:      10,
	HistoryWait:      5 * time.Second,
	PollInterval:     10 * time.Millisecond,
	DiscoveryTimeout: 10 * time.Second,
	LogLevel:         "info",
	LogFormat:        "text",
	MetricsAddr:      "",
	OTLPProtocol:     "http",
	ServiceName:      "mycelium",
}

// DefaultDataDir returns ~/.mycelium, or .mycelium when the home directory
// is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mycelium"
	}
	return filepath.Join(home, ".mycelium")
}
