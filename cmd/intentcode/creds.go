package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var credsFromStdin bool

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage stored endpoint credentials",
	Long: `Credentials are encrypted in the user config directory, outside any
workspace. A provider's key is looked up by the provider name (openai,
anthropic); an environment variable such as OPENAI_API_KEY takes precedence.`,
}

var credsSetCmd = &cobra.Command{
	Use:   "set <name> [value]",
	Short: "Store a credential",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCredsSet,
}

var credsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential names",
	Args:  cobra.NoArgs,
	RunE:  runCredsList,
}

var credsRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredsRemove,
}

func runCredsSet(cmd *cobra.Command, args []string) error {
	var value string
	switch {
	case len(args) == 2:
		value = args[1]
	case credsFromStdin:
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading value: %w", err)
		}
		value = line
	default:
		return errors.New("pass the value as an argument or use --stdin")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("credential value is empty")
	}

	store, err := openCredentials()
	if err != nil {
		return err
	}
	if err := store.Set(args[0], value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", args[0])
	return nil
}

func runCredsList(cmd *cobra.Command, args []string) error {
	store, err := openCredentials()
	if err != nil {
		return err
	}
	names, err := store.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "No credentials stored.")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return nil
}

func runCredsRemove(cmd *cobra.Command, args []string) error {
	store, err := openCredentials()
	if err != nil {
		return err
	}
	if err := store.Remove(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}
