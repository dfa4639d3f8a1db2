// Package cli implements the formula command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/formula-pm/formula-pm/internal/rbac"
)

// Version is set at build time.
var Version = "0.1.0"

// NewRootCommand builds the formula command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "formula",
		Short: "Formula PM access control and workflow service",
		Long: `formula serves the Formula PM permission and workflow API and ships
offline helpers for checking the permission table.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newPolicyCommand(), newTokenCommand(), newJobsCommand())
	return root
}

// loadPolicy reads the permission table at path, or the embedded default when path is empty.
func loadPolicy(path string) (*rbac.Policy, error) {
	if path == "" {
		return rbac.DefaultPolicy()
	}
	return rbac.LoadPolicyFile(path)
}
