package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bundle-ingest/backend/internal/ingest"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue export archives once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.tracker.SweepExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d, files removed %d, skipped %d\n",
			res.Expired, res.FilesRemoved, res.Skipped)
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <bundle.zip>",
	Short: "Ingest a bundle from disk and print the parse summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		if info, err := f.Stat(); err == nil {
			a.logger.Info("ingesting bundle", "file", args[0], "size", humanize.IBytes(uint64(info.Size())))
		}

		// No consumer runs in this process, so everything is processed inline.
		svc := ingest.NewService(a.files, a.store, a.tracker, a.queue, nil, ingest.Options{
			ManifestExt:      a.cfg.Storage.ManifestExtension,
			ArtifactExt:      a.cfg.Storage.ArtifactExtension,
			CleanupOnFailure: a.cfg.Processing.CleanupWorkspaceOnFailure,
		}, a.logger)

		sub, err := svc.Submit(cmd.Context(), filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sub.Result)
	},
}
