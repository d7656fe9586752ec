package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cobra"

	"github.com/wheelwright-dev/wheelwright/internal/output"
	"github.com/wheelwright-dev/wheelwright/internal/policy"
	"github.com/wheelwright-dev/wheelwright/internal/repair"
	"github.com/wheelwright-dev/wheelwright/internal/verify"
)

var (
	platTag    string
	policyPath string
	outputDir  string
	format     string
	outFile    string
	filterExpr string
	libDirName string
	workers    int
	ioTimeout  time.Duration
)

// repairCmd represents the repair command.
var repairCmd = &cobra.Command{
	Use:   "repair <wheel>",
	Short: "Bundle external libraries into a wheel and fix its platform tag",
	Long: `Inspect the compiled extensions in a wheel, resolve their external
shared-library closure against the policy for the requested platform
tag, copy the non-guaranteed libraries into the wheel under
content-hashed names, rewrite the ELF dependency metadata, and verify
the tag. When the requested tag cannot be satisfied the wheel is
published under the most restrictive tag that can.

The input wheel is never modified; the repaired wheel is written next
to it (or into --output-dir) under its new name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRepairAction(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(repairCmd)

	repairCmd.Flags().StringVar(&platTag, "plat", "", "Target platform tag (default: the wheel's own tag)")
	repairCmd.Flags().StringVar(&policyPath, "policy", "", "Policy table YAML (default: the embedded manylinux table)")
	repairCmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory for the repaired wheel (default: the input's directory)")
	repairCmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml, sarif")
	repairCmd.Flags().StringVarP(&outFile, "output", "o", "", "Report file path (default: stdout)")
	repairCmd.Flags().StringVar(&filterExpr, "filter", "", "Findings filter expression (e.g. \"kind == 'forbidden'\")")
	repairCmd.Flags().StringVar(&libDirName, "lib-dir", "", "Bundled-library directory name (default: <distribution>.libs)")
	repairCmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size (default: number of CPUs)")
	repairCmd.Flags().DurationVar(&ioTimeout, "io-timeout", 0, "Per-operation filesystem deadline (default 10s)")
}

// runRepairAction implements the core logic for the repair command.
func runRepairAction(cmd *cobra.Command, wheelPath string) error {
	table, err := loadPolicyTable()
	if err != nil {
		return err
	}

	// Compile --filter once, before any work happens.
	filter, err := compileFilter()
	if err != nil {
		return err
	}

	report, runErr := repair.Run(cmd.Context(), repair.Options{
		WheelPath:  wheelPath,
		Policy:     table,
		PlatTag:    platTag,
		OutputDir:  outputDir,
		LibDirName: libDirName,
		Workers:    workers,
		IOTimeout:  ioTimeout,
	})
	if runErr != nil && !errors.Is(runErr, verify.ErrIncompatible) {
		return runErr
	}

	if filter != nil {
		report.Findings, err = output.FilterFindings(filter, report.Findings)
		if err != nil {
			return err
		}
	}

	// The report is written even when verification failed: the
	// findings are the explanation.
	if err := writeReport(report); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}

	if report.Downgraded {
		slog.Warn("wheel published under a downgraded tag",
			"requested", report.RequestedTag,
			"effective", report.EffectiveTag)
	}
	return nil
}

// loadPolicyTable resolves --policy to a table.
func loadPolicyTable() (*policy.Table, error) {
	if policyPath == "" {
		return policy.Default(), nil
	}
	table, err := policy.Load(policyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy table: %w", err)
	}
	return table, nil
}

func compileFilter() (*vm.Program, error) {
	if filterExpr == "" {
		return nil, nil
	}
	return output.CompileFilter(filterExpr)
}

// writeReport formats the repair report to --output or stdout.
func writeReport(report *repair.Report) error {
	writer := os.Stdout
	if outFile != "" {
		//nolint:gosec // G304: User-controlled output file path is intentional
		file, err := os.Create(outFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer func() {
			_ = file.Close() // Best-effort cleanup
		}()
		writer = file
		slog.Info("writing report", "file", outFile, "format", format)
	}
	return formatOutput(writer, report)
}

// formatOutput formats the report using the selected formatter.
func formatOutput(writer *os.File, report *repair.Report) error {
	switch format {
	case "table":
		return output.NewTableFormatter(writer).Format(report)
	case "json":
		return output.NewJSONFormatter(writer, true).Format(report) // Pretty-print JSON
	case "yaml":
		return output.NewYAMLFormatter(writer).Format(report)
	case "sarif":
		return output.NewSARIFFormatter(writer).Format(report)
	default:
		return fmt.Errorf("unknown format: %s (supported: table, json, yaml, sarif)", format)
	}
}
