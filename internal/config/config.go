package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Node          NodeConfig          `mapstructure:"node"`
	Codec         string              `mapstructure:"codec"`
	Transport     BackendConfig       `mapstructure:"transport"`
	History       BackendConfig       `mapstructure:"history"`
	RPC           RPCConfig           `mapstructure:"rpc"`
	Discovery     DiscoveryConfig     `mapstructure:"discovery"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type NodeConfig struct {
	Name string `mapstructure:"name"`
}

// BackendConfig selects a registered backend and its options.
type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type RPCConfig struct {
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	DispatchBatch int           `mapstructure:"dispatch_batch"`
	Concurrency   int           `mapstructure:"concurrency"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
}

type DiscoveryConfig struct {
	HistoryWait  time.Duration `mapstructure:"history_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Durable keeps manifests and advertisements in the history store so
	// they survive a domain restart.
	Durable bool `mapstructure:"durable"`
	// Timeout bounds the CLI's wait for a counterpart.
	Timeout time.Duration `mapstructure:"timeout"`
}

type ObservabilityConfig struct {
	LogLevel       string  `mapstructure:"log_level"`
	LogFormat      string  `mapstructure:"log_format"`
	MetricsAddr    string  `mapstructure:"metrics_addr"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string  `mapstructure:"otlp_protocol"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("codec", Defaults.Codec)

	v.SetDefault("transport.backend", Defaults.TransportBackend)
	v.SetDefault("history.backend", Defaults.HistoryBackend)

	v.SetDefault("rpc.call_timeout", Defaults.CallTimeout)
	v.SetDefault("rpc.dispatch_batch", Defaults.DispatchBatch)
	v.SetDefault("rpc.concurrency", Defaults.Concurrency)
	v.SetDefault("rpc.reap_interval", Defaults.CallTimeout)

	v.SetDefault("discovery.history_wait", Defaults.HistoryWait)
	v.SetDefault("discovery.poll_interval", Defaults.PollInterval)
	v.SetDefault("discovery.timeout", Defaults.DiscoveryTimeout)
	v.SetDefault("discovery.durable", false)

	v.SetDefault("observability.log_level", Defaults.LogLevel)
	v.SetDefault("observability.log_format", Defaults.LogFormat)
	v.SetDefault("observability.metrics_addr", Defaults.MetricsAddr)
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", Defaults.OTLPProtocol)
	v.SetDefault("observability.sample_ratio", 1.0)
	v.SetDefault("observability.service_name", Defaults.ServiceName)
	v.SetDefault("observability.service_version", "dev")
}

// BindFlags registers the global flags on cmd and binds them to v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file path")
	f.String("data-dir", "", "data directory (default ~/.mycelium)")
	f.String("node-name", "", "node name (default random)")
	f.String("transport", "", "transport backend (memory, redis)")
	f.String("redis-addr", "", "redis address for the redis transport")
	f.String("history", "", "history backend for persistent topics (memory, badger, sqlite)")
	f.Bool("durable-discovery", false, "persist directory entries in the history store")
	f.String("codec", "", "payload codec (json, proto)")
	f.Duration("call-timeout", 0, "default call timeout")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text, plain)")
	f.String("metrics-addr", "", "metrics HTTP listen address")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("node.name", f.Lookup("node-name"))
	_ = v.BindPFlag("transport.backend", f.Lookup("transport"))
	_ = v.BindPFlag("transport.config.addr", f.Lookup("redis-addr"))
	_ = v.BindPFlag("history.backend", f.Lookup("history"))
	_ = v.BindPFlag("discovery.durable", f.Lookup("durable-discovery"))
	_ = v.BindPFlag("codec", f.Lookup("codec"))
	_ = v.BindPFlag("rpc.call_timeout", f.Lookup("call-timeout"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load merges defaults, the config file, environment and bound flags. With
// an empty configFile, mycelium.hcl is searched in ., ~/.mycelium and
// /etc/mycelium, and a missing file is not an error.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("mycelium")
		v.SetConfigType("hcl")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mycelium")
		v.AddConfigPath("/etc/mycelium")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Transport.Config == nil {
		cfg.Transport.Config = map[string]string{}
	}
	if cfg.History.Config == nil {
		cfg.History.Config = map[string]string{}
	}
	return cfg, nil
}
