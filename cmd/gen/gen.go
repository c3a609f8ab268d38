package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate documentation",
	Long:  `Generators for documentation derived from the command tree`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
