package main

import (
	"context"

	"github.com/spf13/cobra"

	stagegatemcp "github.com/rendis/stagegate/pkg/mcp"
)

func mcpCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workflow tools over MCP stdio",
		Long: `Serve stagegate.start, stagegate.resume, stagegate.status, stagegate.threads
and stagegate.pipeline to an MCP client over stdin/stdout. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return opts.withApp(ctx, func(ctx context.Context, a *app) error {
				srv := stagegatemcp.NewServer(stagegatemcp.ServerDeps{
					Engine: a.engine,
					Hub:    a.hub,
					Logger: a.logger,
				})
				a.logger.Info("mcp server ready", "transport", "stdio")
				return srv.Serve(ctx)
			})
		},
	}
}
