package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/mycelium/internal/cli"
	"github.com/gezibash/mycelium/pkg/gate"
	"github.com/gezibash/mycelium/pkg/node"
)

func newCallCmd(v *viper.Viper) *cobra.Command {
	var (
		a, b    int32
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:       "call <multiply|add|divide>",
		Short:     "Call a math functionality",
		ValidArgs: []string{fnMultiply, fnAdd, fnDivide},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		Long: `Register as a consumer, wait for a provider to match, send one request
and print the response.

A missing response within --timeout is reported as a timeout; a handler
failure on the provider is reported as a remote error.

Examples:
  mycelium call multiply --a 6 --b 7
  mycelium call divide --a 1 --b 0 -o json
  mycelium call add --a 2 --b 3 --timeout 500ms`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return cli.RunCommand(cli.CommandConfig{
				Name:       "call",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Run: func(ctx context.Context, rt *cli.Runtime, out *cli.Output) error {
					h, n, err := openConsumer(ctx, rt, name)
					if err != nil {
						return err
					}
					defer func() { _ = n.Close() }()
					out.WithNode(n.Name())

					caller, err := node.CallerFor[MathRequest, MathResponse](h, name)
					if err != nil {
						return err
					}

					start := time.Now()
					resp, ok, err := caller.Call(ctx, MathRequest{A: a, B: b}, timeout)
					elapsed := time.Since(start).Round(time.Microsecond)
					if err != nil {
						_ = out.Error("call", err).With("functionality", name).Render()
						return err
					}
					if !ok {
						err := fmt.Errorf("%s: no response within %s", name, effectiveTimeout(rt, timeout))
						_ = out.Error("call", err).WithCode("timeout").With("functionality", name).Render()
						return err
					}
					return out.Result("call", fmt.Sprintf("%s(%d, %d) = %d", name, a, b, resp.Result)).
						With("functionality", name).
						With("result", resp.Result).
						With("elapsed", elapsed.String()).
						Render()
				},
			})
		},
	}

	cmd.Flags().Int32Var(&a, "a", 0, "first operand")
	cmd.Flags().Int32Var(&b, "b", 0, "second operand")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "response timeout (default rpc.call_timeout)")

	return cmd
}

func effectiveTimeout(rt *cli.Runtime, timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return rt.Config.RPC.CallTimeout
}

// openConsumer creates a node, registers the math consumer and waits until
// name has a matched provider.
func openConsumer(ctx context.Context, rt *cli.Runtime, name string) (*node.ConsumerHandle, *node.Node, error) {
	n, err := rt.NewNode(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	h, err := n.RegisterConsumer(ctx, mathConsumer(""))
	if err != nil {
		_ = n.Close()
		return nil, nil, err
	}
	if err := h.WaitForMatch(ctx, name, gate.Options{Timeout: rt.Config.Discovery.Timeout}); err != nil {
		_ = n.Close()
		return nil, nil, fmt.Errorf("wait for %s provider: %w", name, err)
	}
	return h, n, nil
}
