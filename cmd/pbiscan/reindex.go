package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rbutinar/power-bi-catalog/config"
	"github.com/rbutinar/power-bi-catalog/internal/database"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/docstore"
	"github.com/rbutinar/power-bi-catalog/internal/repository"
	"github.com/rbutinar/power-bi-catalog/internal/service"
)

type reindexOptions struct {
	dir    string
	job    string
	dryRun bool
}

func newReindexCmd() *cobra.Command {
	opts := &reindexOptions{}
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Ingest stored scan documents into the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, closeLog := config.SetupLogger(cfg.Log)
			defer closeLog()

			// --dir 覆盖配置，直接读取本地扫描目录
			if opts.dir != "" {
				cfg.Storage.Backend = "local"
				cfg.Storage.ScanDir = opts.dir
			}
			return runReindex(cmd.Context(), cfg, opts, cmd, logger)
		},
	}
	cmd.Flags().StringVar(&opts.dir, "dir", "", "local scan directory (overrides storage config)")
	cmd.Flags().StringVar(&opts.job, "job", "", "only reindex this scan id")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "list documents without writing the index")
	return cmd
}

func runReindex(ctx context.Context, cfg *config.Config, opts *reindexOptions, cmd *cobra.Command, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close(db)

	store, err := docstore.New(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("init document store: %w", err)
	}
	sink := service.NewSinkService(store, repository.NewIndexRepository(db),
		repository.NewScanRunRepository(db), logger)

	jobs := []string{opts.job}
	if opts.job == "" {
		if jobs, err = sink.ListJobs(ctx); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	var total service.IngestStats
	for _, jobID := range jobs {
		if opts.dryRun {
			docs, err := sink.LoadDocuments(ctx, jobID)
			if err != nil {
				return fmt.Errorf("load %s: %w", jobID, err)
			}
			fmt.Fprintf(out, "%s\t%d documents\n", jobID, len(docs))
			total.Documents += len(docs)
			continue
		}

		stats, err := sink.IngestJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", jobID, err)
		}
		fmt.Fprintf(out, "%s\t%d documents (%d succeeded, %d partial, %d failed)\n",
			jobID, stats.Documents, stats.Succeeded, stats.Partial, stats.Failed)
		total.Documents += stats.Documents
		total.Succeeded += stats.Succeeded
		total.Partial += stats.Partial
		total.Failed += stats.Failed
	}

	if opts.dryRun {
		fmt.Fprintf(out, "dry run: %d scans, %d documents, index unchanged\n", len(jobs), total.Documents)
		return nil
	}
	fmt.Fprintf(out, "reindexed %d scans, %d documents\n", len(jobs), total.Documents)
	return nil
}
