package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jfilby/intentcode-sub000/internal/config"
	"github.com/jfilby/intentcode-sub000/internal/workspace"
)

var initProvider string

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a workspace in the current directory",
	Long: `Writes a starter intentcode.yaml with one Go project, a specs directory and
the .intentcode state directory holding config.yaml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := startDir()
	if err != nil {
		return err
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	name := filepath.Base(root)
	if len(args) == 1 {
		name = args[0]
	}

	ws, err := workspace.Init(root, name)
	if err != nil {
		return err
	}
	cfg := config.DefaultConfig()
	if initProvider != "" {
		cfg.Provider = initProvider
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if err := cfg.Save(filepath.Join(ws.Root, workspace.StateDir)); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized workspace %q in %s\n", ws.Name, ws.Root)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Write specifications under specs/")
	fmt.Fprintf(out, "  2. Store an API key: intentcode creds set %s --stdin\n", cfg.Provider)
	fmt.Fprintln(out, "  3. Run: intentcode build")
	return nil
}
