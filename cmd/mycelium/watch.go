package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/mycelium/internal/cli"
	"github.com/gezibash/mycelium/pkg/gate"
	"github.com/gezibash/mycelium/pkg/node"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var count int64

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print sensor stream samples",
		Long: `Subscribe to sensor_stream and print each sample as it arrives. Samples
published before the subscription are not delivered.

With -o json, samples are written one JSON object per line.

Examples:
  mycelium watch
  mycelium watch --count 10 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunCommand(cli.CommandConfig{
				Name:       "watch",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Run: func(ctx context.Context, rt *cli.Runtime, out *cli.Output) error {
					ctx, cancel := context.WithCancel(ctx)
					defer cancel()

					n, err := rt.NewNode(ctx, "")
					if err != nil {
						return err
					}
					defer func() { _ = n.Close() }()

					var seen atomic.Int64
					enc := json.NewEncoder(out.Writer())
					show := func(_ context.Context, s SensorData) {
						if out.Format() == cli.FormatJSON {
							_ = enc.Encode(s)
						} else {
							fmt.Fprintf(out.Writer(), "sensor %d: %.2f\n", s.SensorID, s.Value)
						}
						if count > 0 && seen.Add(1) >= count {
							cancel()
						}
					}

					h, err := n.RegisterConsumer(ctx, node.Consumer{
						Functionalities: []node.Requirement{node.Watch(fnSensor, show)},
					})
					if err != nil {
						return err
					}
					if err := h.WaitForMatch(ctx, fnSensor, gate.Options{Timeout: rt.Config.Discovery.Timeout}); err != nil {
						return fmt.Errorf("wait for %s publisher: %w", fnSensor, err)
					}

					_ = n.Run(ctx)
					return nil
				},
			})
		},
	}

	cmd.Flags().Int64Var(&count, "count", 0, "exit after this many samples (0 = until interrupted)")
	return cmd
}
