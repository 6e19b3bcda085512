package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootOptions carries persistent flags and the state loaded from them.
type rootOptions struct {
	configPath string
	debug      bool

	cfg          *config.Config
	resolvedPath string
	logger       *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "chishiki",
		Short: "Document ingestion and retrieval for RAG",
		Long: `chishiki ingests documents into chunked, embedded form and retrieves the
most relevant chunks for a natural-language query.

Example usage:
  chishiki serve                          # start the HTTP API and drop-directory watcher
  chishiki ingest ./docs                  # ingest files in-process with a progress bar
  chishiki search "how do refunds work"   # retrieve the closest chunks
  chishiki status                         # show counts and index state`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "config file path")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newServeCmd(opts),
		newIngestCmd(opts),
		newSearchCmd(opts),
		newStatusCmd(opts),
		newDeleteCmd(opts),
		newWatchCmd(),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) load() error {
	cfg, resolved, err := loadConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	o.cfg, o.resolvedPath = cfg, resolved
	o.logger, err = utils.NewLogger(cfg.Debug || o.debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	return nil
}

// loadConfig loads config from path. When path is the default, config.yaml in
// the current directory takes precedence so a project checkout runs with its
// own config. A missing default config yields the built-in defaults.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == config.DefaultPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				cfg, err := config.Load(fallback)
				if err != nil {
					return nil, "", err
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		if path == config.DefaultPath && errors.Is(err, os.ErrNotExist) {
			cfg = &config.Config{}
			config.ApplyDefaults(cfg)
			return cfg, "", cfg.Validate()
		}
		return nil, "", err
	}
	return cfg, path, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chishiki version %s\n", version)
		},
	}
}
