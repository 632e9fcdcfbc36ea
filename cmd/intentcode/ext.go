package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfilby/intentcode-sub000/internal/extensions"
	"github.com/jfilby/intentcode-sub000/internal/report"
)

var extCmd = &cobra.Command{
	Use:   "ext",
	Short: "Manage workspace extensions",
	Long: `Extensions carry skill text that is added to compile prompts of projects
whose tech stack uses them.`,
}

var extAddCmd = &cobra.Command{
	Use:   "add <manifest.yaml>",
	Short: "Install or update an extension from its manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtAdd,
}

var extListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed extensions",
	Args:  cobra.NoArgs,
	RunE:  runExtList,
}

var extRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Uninstall an extension",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtRemove,
}

func runExtAdd(cmd *cobra.Command, args []string) error {
	m, err := extensions.ReadManifest(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ext, err := a.extensions().Add(cmd.Context(), m)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installed %s %s\n", ext.ID, ext.Version)
	return nil
}

func runExtList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	exts, err := a.extensions().List(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(exts) == 0 {
		fmt.Fprintln(out, "No extensions installed.")
		return nil
	}
	rows := make(map[string]string, len(exts))
	for _, e := range exts {
		rows[e.ID] = e.Version
		if e.Description != "" {
			rows[e.ID] += "  " + e.Description
		}
	}
	p := report.New(out)
	p.Title("Extensions")
	p.Table(rows)
	return nil
}

func runExtRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.extensions().Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}
