package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/mycelium/internal/config"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "mycelium",
		Short: "Mycelium - typed RPC and streams over pub/sub",
		Long: `Mycelium runs providers and consumers of named, typed functionalities on a
shared broadcast domain. Providers advertise manifests; consumers discover
them and call request/response functionalities or subscribe to streams.

Provider:
  mycelium provide       Run the demo math provider

Consumer:
  mycelium call          Call multiply or add
  mycelium status        Fetch the provider status
  mycelium watch         Print sensor stream samples
  mycelium directory     List discovered providers and consumers

Local:
  mycelium demo          Run provider and consumers in one process`,
		SilenceUsage: true,
	}

	config.BindFlags(rootCmd, v)
	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format (text, json, markdown)")
	_ = v.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	v.SetDefault("observability.service_version", version)

	rootCmd.AddCommand(
		newProvideCmd(v),
		newCallCmd(v),
		newStatusCmd(v),
		newWatchCmd(v),
		newDirectoryCmd(v),
		newDemoCmd(v),
		newVersionCmd(),
	)

	return rootCmd.Execute()
}

func configFile(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "mycelium", version)
		},
	}
}
