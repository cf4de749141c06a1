package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rbutinar/power-bi-catalog/config"
	"github.com/rbutinar/power-bi-catalog/internal/extractor"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/xmla"
	"github.com/rbutinar/power-bi-catalog/internal/worker"
)

// newExtractCmd 执行一个提取单元：从 stdin 读取输入，向 stdout 写 JSON 行事件，日志只写 stderr
func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract one semantic model (child side of the process runner)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.Log.File = ""
			logger, _ := config.SetupLogger(cfg.Log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ex := extractor.New(xmla.NewHTTPDialer(cfg.PowerBI.XMLABaseURL, cfg.PowerBI.RequestTimeout),
				extractor.WithLogger(logger))
			code := worker.RunChild(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), ex)
			if code != 0 {
				stop()
				os.Exit(code)
			}
			return nil
		},
	}
}
