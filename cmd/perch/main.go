// Command perch runs the vault synchronization engine: it keeps a directory
// of outline-structured text files in sync with an in-memory, queryable
// model, and serves that model over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/perchfs/perch/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "perch",
	Short: "Vault synchronization engine for outline-structured text files",
	Long: `Perch watches a directory of org and markdown files, keeps a queryable
in-memory model of every heading in them, and writes API-driven changes
back to the files. External edits and API mutations converge on the same
on-disk state.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: perch.yaml in the working directory)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
