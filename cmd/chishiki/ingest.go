package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hyperjump/chishiki/internal/cli"
	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/watcher"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type ingestFlags struct {
	serverURL string
	patterns  []string
	recursive bool
	quiet     bool
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	flags := &ingestFlags{}
	cmd := &cobra.Command{
		Use:   "ingest <file-or-directory>...",
		Short: "Ingest files and wait until they are ready",
		Long: `Ingest files into the store. Directories are walked and filtered by the
watch patterns (or --pattern). Single files are ingested regardless of pattern.
Unchanged files that were already ingested are skipped.

By default the pipeline runs in-process. With --server the files are uploaded
to a running server instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(flags.patterns) == 0 {
				flags.patterns = opts.cfg.Watch.Patterns
			}
			if err := watcher.ValidatePatterns(flags.patterns); err != nil {
				return err
			}
			files, err := collectFiles(args, flags.patterns, flags.recursive)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching files found.")
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if flags.serverURL != "" {
				return uploadFiles(ctx, cmd.OutOrStdout(), cli.NewClient(flags.serverURL, opts.cfg.Embedding.Timeout), files)
			}
			return ingestFiles(ctx, cmd, opts, files, flags.quiet)
		},
	}
	cmd.Flags().StringVar(&flags.serverURL, "server", "", "upload to a running server instead of ingesting in-process")
	cmd.Flags().StringSliceVar(&flags.patterns, "pattern", nil, "glob patterns for files in directories (default from config)")
	cmd.Flags().BoolVar(&flags.recursive, "recursive", true, "walk subdirectories")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}

// collectFiles expands directories into matching files and returns absolute,
// de-duplicated paths in argument order.
func collectFiles(args, patterns []string, recursive bool) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if !seen[abs] {
			seen[abs] = true
			files = append(files, abs)
		}
	}
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to stat path: %w", err)
		}
		if !info.IsDir() {
			add(arg)
			continue
		}
		if err := watcher.Walk(arg, patterns, recursive, add); err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", arg, err)
		}
	}
	return files, nil
}

type ingestSummary struct {
	ready, failed, skipped, rejected int
	failures                         []string
}

func ingestFiles(ctx context.Context, cmd *cobra.Command, opts *rootOptions, files []string, quiet bool) error {
	out := cmd.OutOrStdout()
	components, err := initializeComponents(ctx, opts.cfg, opts.logger, withQueueSize(len(files)))
	if err != nil {
		return err
	}
	defer components.Close()
	components.Pipeline.Start()

	var barOut io.Writer = cmd.ErrOrStderr()
	if quiet {
		barOut = io.Discard
	}
	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetWriter(barOut),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Ingesting[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(barOut)
		}),
	)

	var sum ingestSummary
	var queued []string
	for _, path := range files {
		res, err := components.Pipeline.SubmitFile(ctx, path)
		switch {
		case err != nil:
			sum.rejected++
			sum.failures = append(sum.failures, fmt.Sprintf("%s: %v", path, err))
			_ = bar.Add(1)
		case res.Skipped:
			sum.skipped++
			_ = bar.Add(1)
		default:
			queued = append(queued, path)
		}
	}

	for _, path := range queued {
		id := ingest.FileDocumentID(path)
		if err := components.Pipeline.Wait(ctx, id); err != nil {
			return fmt.Errorf("ingestion interrupted: %w", err)
		}
		doc, err := components.Storage.GetDocument(ctx, id)
		switch {
		case err != nil:
			sum.failed++
			sum.failures = append(sum.failures, fmt.Sprintf("%s: %v", path, err))
		case doc.Status == models.StatusReady:
			sum.ready++
		default:
			sum.failed++
			sum.failures = append(sum.failures, fmt.Sprintf("%s: %s", path, doc.FailureReason))
		}
		_ = bar.Add(1)
		bar.Describe(fmt.Sprintf("[cyan]Ingesting[reset] %s", filepath.Base(path)))
	}
	_ = bar.Finish()

	opts.logger.Debug("ingest finished",
		zap.Int("ready", sum.ready), zap.Int("failed", sum.failed),
		zap.Int("skipped", sum.skipped), zap.Int("rejected", sum.rejected))
	fmt.Fprintf(out, "Ingested %d file(s): %d ready, %d failed, %d unchanged\n",
		len(files)-sum.rejected, sum.ready, sum.failed, sum.skipped)
	for _, f := range sum.failures {
		fmt.Fprintf(out, "  failed: %s\n", f)
	}
	if n := sum.failed + sum.rejected; n > 0 {
		return fmt.Errorf("%d file(s) could not be ingested", n)
	}
	return nil
}

func uploadFiles(ctx context.Context, out io.Writer, client *cli.Client, files []string) error {
	var failed int
	for _, path := range files {
		doc, err := client.UploadFile(ctx, path, ingest.FileDocumentID(path))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			fmt.Fprintf(out, "  failed: %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "Queued %s as %s\n", path, doc.ID)
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) could not be uploaded", failed)
	}
	return nil
}
