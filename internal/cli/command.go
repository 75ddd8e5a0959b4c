package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
)

// CommandConfig configures a CLI command that uses the runtime pattern.
type CommandConfig struct {
	// Name identifies this command in logs.
	Name string

	// Viper holds the command's configuration.
	Viper *viper.Viper

	// ConfigFile is an explicit config path. Empty searches the defaults.
	ConfigFile string

	// LogWriter receives logs. Defaults to stderr.
	LogWriter io.Writer

	// Timeout for the command operation. Zero means no timeout.
	Timeout time.Duration

	// Run is the command's business logic.
	Run func(ctx context.Context, rt *Runtime, out *Output) error
}

// RunCommand executes a CLI command with standard infrastructure setup:
// signal context, runtime, timeout, output, run, close.
func RunCommand(cfg CommandConfig) error {
	if cfg.Name == "" {
		return errors.New("command name required")
	}
	if cfg.Viper == nil {
		return errors.New("viper required")
	}
	if cfg.Run == nil {
		return errors.New("run function required")
	}
	if cfg.LogWriter == nil {
		cfg.LogWriter = os.Stderr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := NewRuntime(ctx, cfg.Viper, cfg.ConfigFile, cfg.LogWriter)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rt.Logger.WithComponent("cli").DebugContext(ctx, "command started", "command", cfg.Name)
	out := NewOutputFromViper(cfg.Viper)
	return cfg.Run(ctx, rt, out)
}
