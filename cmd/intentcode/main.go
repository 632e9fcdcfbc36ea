// Package main provides the intentcode CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the current intentcode CLI version
var Version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "intentcode",
	Short: "intentcode - compile specifications into code through an LLM",
	Long: `intentcode lowers specification files into per-project intent files, then
compiles intent files into source code. Every generation is cached in a local
graph database, so a rebuild only calls the model for what changed.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Global flags
var (
	workDir   string
	verbosity int
	quiet     bool
)

// Command groups for organized help output
const (
	groupBuild   = "build"
	groupManage  = "manage"
	groupInspect = "inspect"
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "C", "", "Run as if started in this directory")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress all logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupBuild, Title: "Building:"},
		&cobra.Group{ID: groupManage, Title: "Extensions & Credentials:"},
		&cobra.Group{ID: groupInspect, Title: "Inspection:"},
	)

	// Building
	initCmd.GroupID = groupBuild
	buildCmd.GroupID = groupBuild
	initCmd.Flags().StringVar(&initProvider, "provider", "", "Endpoint provider to write into the config (openai, anthropic, ollama)")
	buildCmd.Flags().StringVar(&buildGitRef, "git", "", "Read specs and tech-stack files from this git ref instead of the working tree")
	buildCmd.Flags().BoolVarP(&buildWatch, "watch", "w", false, "Rebuild whenever a spec, tech-stack or intent file changes")
	buildCmd.Flags().StringVar(&buildMetricsFile, "metrics-file", "", "Write runner metrics in Prometheus text format to this file")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(buildCmd)

	// Extensions & Credentials
	extCmd.GroupID = groupManage
	credsCmd.GroupID = groupManage
	extCmd.AddCommand(extAddCmd)
	extCmd.AddCommand(extListCmd)
	extCmd.AddCommand(extRemoveCmd)
	credsSetCmd.Flags().BoolVar(&credsFromStdin, "stdin", false, "Read the value from standard input")
	credsCmd.AddCommand(credsSetCmd)
	credsCmd.AddCommand(credsListCmd)
	credsCmd.AddCommand(credsRemoveCmd)
	rootCmd.AddCommand(extCmd)
	rootCmd.AddCommand(credsCmd)

	// Inspection
	depsCmd.GroupID = groupInspect
	doctorCmd.GroupID = groupInspect
	cacheCmd.GroupID = groupInspect
	depsCmd.AddCommand(depsShowCmd)
	depsCmd.AddCommand(depsVerifyCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(cacheCmd)
}

// reportedError is an error the command already printed; main only sets the
// exit status.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
