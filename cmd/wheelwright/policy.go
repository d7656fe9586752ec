package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wheelwright-dev/wheelwright/internal/policy"
)

// policyCmd groups the policy table subcommands.
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and export the portability policy table",
}

// policyListCmd prints the tags of the active policy table.
var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the platform tags of the active policy table",
	RunE: func(_ *cobra.Command, _ []string) error {
		table, err := loadPolicyTable()
		if err != nil {
			return err
		}
		fmt.Printf("Policy table version %s\n\n", table.Version)
		for _, tag := range table.Tags {
			fmt.Printf("%-28s priority %d\n", tag.Name, tag.Priority)
			for _, alias := range tag.Aliases {
				fmt.Printf("  alias: %s\n", alias)
			}
		}
		return nil
	},
}

// policyInitCmd writes the embedded table out as a starting point for
// customization.
var policyInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write the embedded policy table to a file for customization",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("refusing to overwrite existing file %s", path)
		}
		if err := os.WriteFile(path, policy.DefaultSource(), 0o644); err != nil {
			return fmt.Errorf("failed to write policy table: %w", err)
		}
		fmt.Printf("Wrote policy table to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyInitCmd)
}
