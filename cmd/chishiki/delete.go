package main

import (
	"fmt"

	"github.com/hyperjump/chishiki/internal/cli"
	"github.com/spf13/cobra"
)

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "delete <document-id>...",
		Short: "Delete documents and their chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			del := func(id string) error {
				return cli.NewClient(serverURL, 0).DeleteDocument(ctx, id)
			}
			if serverURL == "" {
				components, err := initializeComponents(ctx, opts.cfg, opts.logger)
				if err != nil {
					return err
				}
				defer components.Close()
				del = func(id string) error {
					return components.Pipeline.Delete(ctx, id)
				}
			}
			for _, id := range args {
				if err := del(id); err != nil {
					return fmt.Errorf("deletion of %s failed: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Document deleted: %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", cli.DefaultServerURL, "server URL (empty = modify the database directly)")
	return cmd
}
