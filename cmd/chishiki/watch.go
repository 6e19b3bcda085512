package main

import (
	"fmt"
	"path/filepath"

	"github.com/hyperjump/chishiki/internal/cli"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage the drop directories of a running server",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", cli.DefaultServerURL, "server URL")
	client := func() *cli.Client { return cli.NewClient(serverURL, 0) }

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <path>",
			Short: "Watch a directory and ingest its existing files",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				if err := client().AddWatchDirectory(cmd.Context(), path); err != nil {
					return fmt.Errorf("add failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added: %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <path>",
			Short: "Stop watching a directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				if err := client().RemoveWatchDirectory(cmd.Context(), path); err != nil {
					return fmt.Errorf("remove failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed: %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List watched directories",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				dirs, err := client().WatchDirectories(cmd.Context())
				if err != nil {
					return fmt.Errorf("list failed: %w", err)
				}
				for _, d := range dirs {
					fmt.Fprintln(cmd.OutOrStdout(), d)
				}
				return nil
			},
		},
	)
	return cmd
}
