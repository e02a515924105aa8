package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leftmike/tellstore/tell"
)

func init() {
	tellstoreCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of TellStore",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(tell.Version())
			},
		})
}
