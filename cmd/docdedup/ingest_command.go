package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/japaniel/docdedup/pkg/config"
	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/descriptor"
	"github.com/japaniel/docdedup/pkg/ingest"
	"github.com/japaniel/docdedup/pkg/logging"
	"github.com/japaniel/docdedup/pkg/metrics"
)

type ingestFlags struct {
	sourceName       string
	collection       string
	batchSize        int
	workers          int
	mergeThreshold   float64
	overlapThreshold float64
	metricsFile      string
}

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var flags ingestFlags

	cmd := &cobra.Command{
		Use:   "ingest <dir|->",
		Short: "Ingest descriptors from a directory or JSON lines on stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := applyIngestFlags(cmd, cfg, &flags); err != nil {
				return err
			}

			unlock, err := db.AcquireWriterLock(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer func() { _ = unlock() }()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			def := descriptor.Defaults{SourceName: cfg.Ingest.SourceName, Collection: cfg.Ingest.Collection}
			src, err := openDescriptorStream(args[0], cmd.InOrStdin(), def)
			if err != nil {
				return err
			}
			defer src.Close()

			return ctx.withStore(func(conn *sql.DB) error {
				sum, runErr := runIngest(runCtx, ctx, cmd, cfg, conn, src, flags.metricsFile)
				if ctx.jsonOutput() {
					if err := writeJSON(cmd, newSummaryView(sum)); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), renderSummary(sum))
				}
				return runErr
			})
		},
	}

	cmd.Flags().StringVar(&flags.sourceName, "source-name", "", "Source name for descriptors that carry none")
	cmd.Flags().StringVar(&flags.collection, "collection", "", "Collection for descriptors that carry none")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "Documents committed per transaction")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "Concurrent load and hash workers")
	cmd.Flags().Float64Var(&flags.mergeThreshold, "merge-threshold", 0, "Similarity at which documents are merged")
	cmd.Flags().Float64Var(&flags.overlapThreshold, "overlap-threshold", 0, "Lowest similarity recorded as a partial overlap")
	cmd.Flags().StringVar(&flags.metricsFile, "metrics-file", "", "Write run metrics in Prometheus text format to this file")
	return cmd
}

// applyIngestFlags folds explicitly set flags into the loaded configuration.
func applyIngestFlags(cmd *cobra.Command, cfg *config.Config, flags *ingestFlags) error {
	changed := cmd.Flags().Changed
	if changed("source-name") {
		cfg.Ingest.SourceName = strings.TrimSpace(flags.sourceName)
	}
	if changed("collection") {
		cfg.Ingest.Collection = strings.TrimSpace(flags.collection)
	}
	if changed("batch-size") {
		cfg.Ingest.BatchSize = flags.batchSize
	}
	if changed("workers") {
		cfg.Ingest.Workers = flags.workers
	}
	if changed("merge-threshold") {
		cfg.Dedup.MergeThreshold = flags.mergeThreshold
	}
	if changed("overlap-threshold") {
		cfg.Dedup.OverlapThreshold = flags.overlapThreshold
	}
	return cfg.Validate()
}

func openDescriptorStream(arg string, stdin io.Reader, def descriptor.Defaults) (descriptor.Stream, error) {
	if arg == "-" {
		return descriptor.JSONL(stdin, def), nil
	}
	info, err := os.Stat(arg)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input %s is not a directory; pipe JSON lines with '-'", arg)
	}
	return descriptor.Dir(arg, def)
}

func runIngest(runCtx context.Context, ctx *commandContext, cmd *cobra.Command, cfg *config.Config, conn *sql.DB, src descriptor.Stream, metricsFile string) (ingest.Summary, error) {
	log := ctx.logger(cmd)
	h := ctx.hasher()

	ig := ingest.NewIngester(conn, ctx.deduplicator(h), ctx.overlapDetector(h))
	ig.Loader = descriptor.NewLoader(cfg.Ingest.ReadRetries, cfg.RetryBackoff())
	ig.BatchSize = cfg.Ingest.BatchSize
	ig.Workers = cfg.Ingest.Workers
	ig.FlushInterval = cfg.FlushInterval()
	ig.TxTimeout = cfg.TxTimeout()
	ig.Logger = logging.Component(log, "ingest")
	ig.Metrics = metrics.New()
	if stderr := cmd.ErrOrStderr(); shouldShowProgress(stderr) {
		ig.OnProgress = newProgressPrinter(stderr, time.Second)
	}

	log.Info().Str("store", cfg.Store.Path).Int("workers", ig.Workers).Int("batch_size", ig.BatchSize).Msg("ingest starting")
	sum, err := ig.Ingest(runCtx, src)
	if ig.OnProgress != nil {
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if metricsFile != "" {
		// Written even for a failed run so the error counters are visible.
		if werr := prometheus.WriteToTextfile(metricsFile, ig.Metrics.Registry); werr != nil {
			log.Error().Err(werr).Str("path", metricsFile).Msg("write metrics file")
			if err == nil {
				err = fmt.Errorf("write metrics file: %w", werr)
			}
		}
	}
	return sum, err
}

func shouldShowProgress(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newProgressPrinter redraws one status line at most once per interval.
func newProgressPrinter(w io.Writer, interval time.Duration) func(ingest.Progress) {
	var mu sync.Mutex
	var last time.Time
	return func(p ingest.Progress) {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if now.Sub(last) < interval {
			return
		}
		last = now
		fmt.Fprintf(w, "\r%d processed, %d duplicates, %d errors, %.0f docs/s",
			p.Processed, p.Duplicates, p.Errors, p.Throughput)
	}
}

type summaryView struct {
	RunID         string  `json:"run_id"`
	Processed     int     `json:"processed"`
	NewCanonical  int     `json:"new_canonical"`
	AttachedExact int     `json:"attached_exact"`
	MergedFuzzy   int     `json:"merged_fuzzy"`
	Ambiguous     int     `json:"ambiguous"`
	Overlaps      int     `json:"overlaps"`
	Errors        int     `json:"errors"`
	DurationMS    int64   `json:"duration_ms"`
	Throughput    float64 `json:"docs_per_second"`
}

func newSummaryView(s ingest.Summary) summaryView {
	return summaryView{
		RunID:         s.RunID,
		Processed:     s.Processed,
		NewCanonical:  s.NewCanonical,
		AttachedExact: s.AttachedExact,
		MergedFuzzy:   s.MergedFuzzy,
		Ambiguous:     s.Ambiguous,
		Overlaps:      s.Overlaps,
		Errors:        s.Errors,
		DurationMS:    s.Duration.Milliseconds(),
		Throughput:    throughput(s),
	}
}

func throughput(s ingest.Summary) float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Processed) / s.Duration.Seconds()
}

func renderSummary(s ingest.Summary) string {
	rows := [][]string{
		{"Run", s.RunID},
		{"Processed", strconv.Itoa(s.Processed)},
		{"New canonical", strconv.Itoa(s.NewCanonical)},
		{"Exact duplicates", strconv.Itoa(s.AttachedExact)},
		{"Fuzzy merges", strconv.Itoa(s.MergedFuzzy)},
		{"Queued for review", strconv.Itoa(s.Ambiguous)},
		{"Overlaps", strconv.Itoa(s.Overlaps)},
		{"Errors", strconv.Itoa(s.Errors)},
		{"Duration", s.Duration.Round(time.Millisecond).String()},
		{"Docs/s", strconv.FormatFloat(throughput(s), 'f', 1, 64)},
	}
	return renderPairs("Ingest", "Value", rows)
}
