package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/mycelium/internal/cli"
	"github.com/gezibash/mycelium/pkg/gate"
	"github.com/gezibash/mycelium/pkg/node"
)

func newDemoCmd(v *viper.Viper) *cobra.Command {
	var consumers int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run provider and consumers in one process",
		Long: `Start the math provider and --consumers consumer nodes on the configured
domain, then call multiply(i, i+1) from consumer i concurrently and print
each result. With the default memory transport everything stays in this
process.

Examples:
  mycelium demo
  mycelium demo --consumers 10 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if consumers <= 0 {
				return fmt.Errorf("--consumers must be positive")
			}
			return cli.RunCommand(cli.CommandConfig{
				Name:       "demo",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Run: func(ctx context.Context, rt *cli.Runtime, out *cli.Output) error {
					results, err := runDemo(ctx, rt, consumers)
					if err != nil {
						return err
					}
					t := out.Table("demo", "Consumer", "Request", "Result", "Elapsed")
					for _, r := range results {
						t.AddRow(fmt.Sprint(r.consumer), fmt.Sprintf("multiply(%d, %d)", r.req.A, r.req.B), r.result, r.elapsed.String())
					}
					return t.Render()
				},
			})
		},
	}

	cmd.Flags().IntVar(&consumers, "consumers", 5, "number of consumer nodes")
	return cmd
}

type demoResult struct {
	consumer int
	req      MathRequest
	result   string
	elapsed  time.Duration
}

func runDemo(ctx context.Context, rt *cli.Runtime, consumers int) ([]demoResult, error) {
	provider, err := rt.NewNode(ctx, "demo-provider")
	if err != nil {
		return nil, err
	}
	defer func() { _ = provider.Close() }()
	if _, err := provider.RegisterProvider(ctx, mathProvider("math")); err != nil {
		return nil, err
	}

	results := make([]demoResult, consumers)
	errs := make([]error, consumers)
	var wg sync.WaitGroup
	for i := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = demoCall(ctx, rt, i)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func demoCall(ctx context.Context, rt *cli.Runtime, i int) (demoResult, error) {
	r := demoResult{consumer: i, req: MathRequest{A: int32(i), B: int32(i + 1)}}

	n, err := rt.NewNode(ctx, fmt.Sprintf("demo-consumer-%d", i))
	if err != nil {
		return r, err
	}
	defer func() { _ = n.Close() }()

	h, err := n.RegisterConsumer(ctx, node.Consumer{
		Functionalities: []node.Requirement{node.Request[MathRequest, MathResponse](fnMultiply)},
	})
	if err != nil {
		return r, err
	}
	if err := h.WaitForMatch(ctx, fnMultiply, gate.Options{Timeout: rt.Config.Discovery.Timeout}); err != nil {
		return r, err
	}
	caller, err := node.CallerFor[MathRequest, MathResponse](h, fnMultiply)
	if err != nil {
		return r, err
	}

	start := time.Now()
	resp, ok, err := caller.Call(ctx, r.req, 0)
	r.elapsed = time.Since(start).Round(time.Microsecond)
	switch {
	case err != nil:
		return r, err
	case !ok:
		r.result = "timeout"
	default:
		r.result = fmt.Sprint(resp.Result)
	}
	return r, nil
}
