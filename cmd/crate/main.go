package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "crate",
	Short: "Classify, organize and search an audio sample library",
	Long: `crate classifies audio samples by instrument category and mood, keeps them
in a local library and answers similarity and text queries.

Start the server with "crate start", then classify files with
"crate classify" or "crate import".`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(classifyCmd, importCmd, watchCmd, runsCmd)
	rootCmd.AddCommand(samplesCmd, similarCmd, searchCmd, sessionsCmd, clusterCmd, exportCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
