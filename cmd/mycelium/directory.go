package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/mycelium/cmd/mycelium/tui"
	"github.com/gezibash/mycelium/internal/cli"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/gate"
)

func newDirectoryCmd(v *viper.Viper) *cobra.Command {
	var (
		expr      string
		consumers bool
		watch     bool
		refresh   time.Duration
	)

	cmd := &cobra.Command{
		Use:     "directory",
		Aliases: []string{"dir", "ls"},
		Short:   "List discovered providers and consumers",
		Long: `Join the domain, wait for retained manifests and list the providers
found. --expr filters providers with a CEL expression over provider,
functionalities and names.

Examples:
  mycelium directory
  mycelium directory --expr '"multiply" in names'
  mycelium directory --expr 'functionalities.exists(f, f.kind == "continuous")'
  mycelium directory --consumers -o json
  mycelium directory --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunCommand(cli.CommandConfig{
				Name:       "directory",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Run: func(ctx context.Context, rt *cli.Runtime, out *cli.Output) error {
					n, err := rt.NewNode(ctx, "")
					if err != nil {
						return err
					}
					defer func() { _ = n.Close() }()
					out.WithNode(n.Name())

					dir := n.Directory()
					if watch {
						err := tui.Run(tui.NewDirectory(ctx, dir, n.Name(), expr, refresh))
						if ctx.Err() != nil {
							return nil
						}
						return err
					}

					err = n.WaitForProviders(ctx, gate.Options{Timeout: rt.Config.Discovery.Timeout})
					if err != nil && !errors.Is(err, mycerrors.ErrDiscoveryIncomplete) {
						return err
					}

					manifests, err := dir.Providers(ctx)
					if expr != "" {
						manifests, err = dir.Query(ctx, expr)
					}
					if err != nil {
						return fmt.Errorf("read providers: %w", err)
					}
					if err := out.Providers(manifests).Render(); err != nil {
						return err
					}
					if !consumers {
						return nil
					}

					ads, err := dir.Consumers(ctx)
					if err != nil {
						return fmt.Errorf("read consumers: %w", err)
					}
					return out.Consumers(ads).Render()
				},
			})
		},
	}

	cmd.Flags().StringVar(&expr, "expr", "", "CEL filter over provider manifests")
	cmd.Flags().BoolVar(&consumers, "consumers", false, "also list consumer advertisements")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "live view")
	cmd.Flags().DurationVar(&refresh, "refresh", tui.DefaultRefresh, "live view refresh interval")

	return cmd
}
