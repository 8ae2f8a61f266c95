package cmd

import (
	"github.com/spf13/cobra"
)

// Execute runs the CLI.
func Execute() error {
	var root = &cobra.Command{Use: "tastescout"}
	root.AddCommand(serveCMD())
	return root.Execute()
}
