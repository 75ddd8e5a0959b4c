// Package cli provides the runtime and output helpers mycelium commands
// share.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/mycelium/internal/config"
	inode "github.com/gezibash/mycelium/internal/node"
	"github.com/gezibash/mycelium/internal/observability"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/node"
)

// ShutdownTimeout bounds Runtime.Close.
const ShutdownTimeout = 5 * time.Second

// Runtime is the loaded configuration, observability and open stack of one
// command invocation.
type Runtime struct {
	Config config.Config
	Obs    *observability.Observability
	Logger *logging.Logger
	Stack  *inode.Stack
}

// NewRuntime loads configuration from v and configFile, sets up logging to
// logWriter, starts the metrics server when configured and opens the
// stack. Everything started is shut down by Close, newest first.
func NewRuntime(ctx context.Context, v *viper.Viper, configFile string, logWriter io.Writer) (*Runtime, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}

	obsCfg := cfg.Observability
	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       obsCfg.LogLevel,
		LogFormat:      obsCfg.LogFormat,
		OTLPEndpoint:   obsCfg.OTLPEndpoint,
		OTLPProtocol:   obsCfg.OTLPProtocol,
		SampleRatio:    obsCfg.SampleRatio,
		ServiceName:    obsCfg.ServiceName,
		ServiceVersion: obsCfg.ServiceVersion,
	}, logWriter)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	rt := &Runtime{
		Config: cfg,
		Obs:    obs,
		Logger: logging.New(obs.Logger),
	}

	if obsCfg.MetricsAddr != "" {
		if _, err := obs.ServeMetrics(obsCfg.MetricsAddr); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	stack, err := inode.Open(ctx, cfg, rt.Logger, obs.Metrics)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Stack = stack
	obs.Shutdown.Register("stack", func(context.Context) error { return stack.Close() })
	return rt, nil
}

// NewNode creates a node on the runtime's domain. An empty name uses the
// configured node name.
func (rt *Runtime) NewNode(ctx context.Context, name string) (*node.Node, error) {
	return rt.Stack.NewNode(ctx, name)
}

// Close runs the shutdown handlers.
func (rt *Runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return rt.Obs.Close(ctx)
}
