package main

import (
	"fmt"

	"github.com/hyperjump/chishiki/internal/cli"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/server"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var serverURL, output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show document counts, index state and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.ParseOutputFormat(output)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var status *models.Status
			if serverURL != "" {
				status, err = cli.NewClient(serverURL, 0).Status(ctx)
			} else {
				components, initErr := initializeComponents(ctx, opts.cfg, opts.logger)
				if initErr != nil {
					return initErr
				}
				defer components.Close()
				status, err = server.CollectStatus(ctx, components.Store, nil, components.Engine, opts.cfg)
			}
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			return cli.WriteStatus(cmd.OutOrStdout(), status, format)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", cli.DefaultServerURL, "server URL (empty = read the database directly)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}
