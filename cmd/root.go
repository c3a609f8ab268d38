package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/respwire/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "respwire",
	Short: "A RESP client, and a small server to try it against",
	Long: `respwire speaks the Redis serialization protocol.

It can send commands to any RESP server, either one at a time or from an
interactive prompt, and can run a small in-memory server that answers the
common string, list and hash commands.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(CliCmd)
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the root command and exits non-zero if it fails.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
