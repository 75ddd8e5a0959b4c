package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/mycelium/internal/cli"
)

func newProvideCmd(v *viper.Viper) *cobra.Command {
	var (
		name     string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "provide",
		Short: "Run the demo math provider",
		Long: `Join the domain and serve multiply, add, divide and get_status, and
publish a sensor_stream reading every --interval until interrupted.

Examples:
  mycelium provide --transport redis --redis-addr localhost:6379
  mycelium provide --name math-2 --interval 250ms
  mycelium provide --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			return cli.RunCommand(cli.CommandConfig{
				Name:       "provide",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Run: func(ctx context.Context, rt *cli.Runtime, out *cli.Output) error {
					n, err := rt.NewNode(ctx, "")
					if err != nil {
						return err
					}
					defer func() { _ = n.Close() }()

					h, err := n.RegisterProvider(ctx, mathProvider(name))
					if err != nil {
						return err
					}

					log := rt.Logger.WithComponent("provide")
					log.InfoContext(ctx, "provider registered", "provider", name, "streams", h.Names())

					go func() {
						for err := range n.Errors() {
							log.WithError(err).Warn("node error")
						}
					}()

					errc := make(chan error, 1)
					go func() { errc <- publishSensor(ctx, h, interval) }()

					select {
					case <-ctx.Done():
					case err := <-errc:
						if err != nil {
							return fmt.Errorf("sensor stream: %w", err)
						}
					}
					if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				},
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "math", "provider name in the manifest")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "sensor stream publish interval")

	return cmd
}
