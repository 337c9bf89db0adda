package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stacklok/toolhive-pub-registry/internal/archive"
	"github.com/stacklok/toolhive-pub-registry/internal/index"
	"github.com/stacklok/toolhive-pub-registry/internal/versions"
)

func newPackagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "Inspect the package repository",
	}
	cmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")
	_ = cmd.MarkPersistentFlagRequired("config")

	list := &cobra.Command{
		Use:   "list",
		Short: "List published packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := repositoryDir(cmd)
			if err != nil {
				return err
			}
			return listPackages(cmd.Context(), cmd.OutOrStdout(), root)
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show the versions of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := repositoryDir(cmd)
			if err != nil {
				return err
			}
			verify, err := cmd.Flags().GetBool("verify")
			if err != nil {
				return err
			}
			return showPackage(cmd.Context(), cmd.OutOrStdout(), root, args[0], verify)
		},
	}
	show.Flags().Bool("verify", false, "Re-hash every archive and compare it with the index")

	cmd.AddCommand(list, show)
	return cmd
}

func repositoryDir(cmd *cobra.Command) (string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", err
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return "", err
	}
	return cfg.GetRepositoryDir(), nil
}

// listPackages prints one row per package. LATEST is the most recently
// published version; HIGHEST is the greatest by semantic version.
func listPackages(ctx context.Context, w io.Writer, root string) error {
	store := index.NewStore(root)
	names, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list packages: %w", err)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Package", "Latest", "Highest", "Versions", "Updated")
	for _, name := range names {
		idx, err := store.Load(ctx, name, false)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
		latest, ok := idx.Latest()
		if !ok {
			continue
		}
		all := make([]string, 0, len(idx.Versions))
		for _, v := range idx.Versions {
			all = append(all, v.Version)
		}
		highest, _ := versions.Highest(all)
		if err := table.Append([]string{
			name,
			latest.Version,
			highest,
			strconv.Itoa(len(idx.Versions)),
			latest.Published.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func showPackage(ctx context.Context, w io.Writer, root, name string, verify bool) error {
	idx, err := index.NewStore(root).Load(ctx, name, false)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) || errors.Is(err, index.ErrInvalidName) {
			return fmt.Errorf("package %q not found", name)
		}
		return err
	}

	archives := archive.NewStore(root)
	header := []any{"Version", "Version ID", "SHA-256", "Published"}
	if verify {
		header = append(header, "Archive")
	}

	table := tablewriter.NewWriter(w)
	table.Header(header...)
	var failed int
	for _, e := range idx.Versions {
		row := []string{
			e.Version,
			e.ID,
			shortDigest(e.ArchiveSHA256),
			e.Published.UTC().Format(time.RFC3339),
		}
		if verify {
			status := "ok"
			if err := archives.Verify(ctx, name, e.ID, e.ArchiveSHA256); err != nil {
				failed++
				switch {
				case errors.Is(err, archive.ErrNotFound):
					status = "missing"
				case errors.Is(err, archive.ErrDigestMismatch):
					status = "mismatch"
				default:
					status = "error: " + err.Error()
				}
			}
			row = append(row, status)
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d archives failed verification", failed, len(idx.Versions))
	}
	return nil
}

func shortDigest(hex string) string {
	const n = 12
	if len(hex) <= n {
		return hex
	}
	return strings.ToLower(hex[:n])
}
