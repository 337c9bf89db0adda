package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stacklok/toolhive-pub-registry/internal/auth"
)

func newTokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage publish tokens",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate a token file and print its tokens with masked secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("tokens-file")
			if err != nil {
				return err
			}
			return checkTokens(cmd.OutOrStdout(), path)
		},
	}
	check.Flags().String("tokens-file", "", "Path to the token file (YAML or JSON)")
	_ = check.MarkFlagRequired("tokens-file")

	cmd.AddCommand(check)
	return cmd
}

func checkTokens(w io.Writer, path string) error {
	store, err := auth.LoadTokenFile(path)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Owner", "Token", "Packages")
	tokens := store.Tokens()
	for _, tok := range tokens {
		if err := table.Append([]string{
			tok.Owner,
			tok.MaskedSecret(),
			strings.Join(tok.AuthorizedPackages, ", "),
		}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d token(s) OK\n", len(tokens))
	return err
}
