package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/mycelium/internal/cli"
	"github.com/gezibash/mycelium/pkg/node"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch the provider status",
		Long: `Call get_status, a functionality that takes no input, and print the
reply.

Examples:
  mycelium status
  mycelium status -o markdown`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunCommand(cli.CommandConfig{
				Name:       "status",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Run: func(ctx context.Context, rt *cli.Runtime, out *cli.Output) error {
					h, n, err := openConsumer(ctx, rt, fnStatus)
					if err != nil {
						return err
					}
					defer func() { _ = n.Close() }()
					out.WithNode(n.Name())

					f, err := node.FetcherFor[StatusInfo](h, fnStatus)
					if err != nil {
						return err
					}
					st, ok, err := f.Fetch(ctx, timeout)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%s: no response within %s", fnStatus, effectiveTimeout(rt, timeout))
					}
					return out.KV("status").
						Set("Status Code", st.StatusCode).
						Set("Message", st.Message).
						Render()
				},
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "response timeout (default rpc.call_timeout)")
	return cmd
}
