package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/query"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the canonical set as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQuery(func(svc *query.Service) error {
				if outPath == "" || outPath == "-" {
					_, err := svc.Export(cmd.Context(), cmd.OutOrStdout())
					return err
				}

				st, err := exportToFile(cmd, svc, outPath)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, st)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d documents, %d sources, %d overlaps and %d reviews to %s\n",
					st.Documents, st.Sources, st.Overlaps, st.Reviews, outPath)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the export to this file instead of stdout")
	return cmd
}

// exportToFile writes beside the target and renames on success so a failed
// export never leaves a truncated file behind.
func exportToFile(cmd *cobra.Command, svc *query.Service, path string) (query.ExportStats, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return query.ExportStats{}, fmt.Errorf("create export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	st, err := svc.Export(cmd.Context(), tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close export file: %w", cerr)
	}
	if err != nil {
		return st, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return st, fmt.Errorf("move export into place: %w", err)
	}
	return st, nil
}

func newImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Load a canonical set produced by export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open import: %w", err)
				}
				defer f.Close()
				in = bufio.NewReader(f)
			}

			unlock, err := db.AcquireWriterLock(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer func() { _ = unlock() }()

			return ctx.withQuery(func(svc *query.Service) error {
				res, err := svc.Import(cmd.Context(), in, uuid.NewString())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, res)
				}
				rows := [][]string{
					{"Documents", strconv.Itoa(res.Documents)},
					{"Renumbered", strconv.Itoa(res.Renumbered)},
					{"Already stored", strconv.Itoa(res.Skipped)},
					{"Sources", strconv.Itoa(res.Sources)},
					{"Duplicate groups", strconv.Itoa(res.Groups)},
					{"Overlaps", strconv.Itoa(res.Overlaps)},
					{"Text revisions", strconv.Itoa(res.Revisions)},
					{"Reviews", strconv.Itoa(res.Reviews)},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderPairs("Import", "Count", rows))
				return nil
			})
		},
	}
}
