package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/wheelwright-dev/wheelwright/internal/elfio"
	"github.com/wheelwright-dev/wheelwright/internal/repair"
)

var (
	showFormat  string
	showWorkers int
	showTimeout time.Duration
)

// showCmd represents the show command.
var showCmd = &cobra.Command{
	Use:   "show <wheel>",
	Short: "Print the dynamic-linking metadata of a wheel's binaries",
	Long: `Unpack a wheel into a scratch directory and print the declared
dependencies, runpaths, sonames, and versioned symbol references of
every ELF artifact inside it. Nothing is modified.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		artifacts, err := repair.Inspect(cmd.Context(), args[0], showWorkers, showTimeout)
		if err != nil {
			return err
		}
		return formatArtifacts(os.Stdout, artifacts)
	},
}

func init() {
	rootCmd.AddCommand(showCmd)

	showCmd.Flags().StringVar(&showFormat, "format", "table", "Output format: table, json, yaml")
	showCmd.Flags().IntVar(&showWorkers, "workers", 0, "Worker pool size (default: number of CPUs)")
	showCmd.Flags().DurationVar(&showTimeout, "io-timeout", 0, "Per-operation filesystem deadline (default 10s)")
}

func formatArtifacts(writer *os.File, artifacts []*elfio.Artifact) error {
	switch showFormat {
	case "table":
		printArtifactTable(writer, artifacts)
		return nil
	case "json":
		data, err := json.MarshalIndent(artifacts, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(writer, string(data))
		return err
	case "yaml":
		encoder := yaml.NewEncoder(writer, yaml.Indent(2))
		if err := encoder.Encode(artifacts); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unknown format: %s (supported: table, json, yaml)", showFormat)
	}
}

func printArtifactTable(writer *os.File, artifacts []*elfio.Artifact) {
	if len(artifacts) == 0 {
		fmt.Fprintln(writer, "No ELF artifacts in this wheel.")
		return
	}
	for _, art := range artifacts {
		fmt.Fprintf(writer, "%s\n", art.Path)
		if art.Soname != "" {
			fmt.Fprintf(writer, "  Soname: %s\n", art.Soname)
		}
		if len(art.Needed) > 0 {
			fmt.Fprintf(writer, "  Needed: %s\n", strings.Join(art.Needed, ", "))
		}
		if len(art.Runpath) > 0 {
			fmt.Fprintf(writer, "  Runpath: %s\n", strings.Join(art.Runpath, ":"))
		}
		if refs := art.VersionRefs(); len(refs) > 0 {
			fmt.Fprintf(writer, "  Symbol versions: %s\n", strings.Join(refs, ", "))
		}
		fmt.Fprintln(writer)
	}
}
