package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evanmendix/evergreen-fortify/internal/config"
)

var version = "dev"

var (
	noColor    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "fortify",
	Short: "Security scan report triage for Azure DevOps pipelines",
	Long: `fortify downloads static-analysis scan reports from Azure DevOps build
artifacts, decomposes them into per-finding Markdown files with attached
remediation guidance, and keeps a cross-project summary of what is open
and what is covered.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file path")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(syncSolutionsCmd)
	rootCmd.AddCommand(reposCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(allCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
