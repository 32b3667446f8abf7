package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mrivolprep/pkg/dataset"
	"mrivolprep/pkg/loader"
	"mrivolprep/pkg/metrics"
	"mrivolprep/pkg/nifti"
	"mrivolprep/pkg/preprocess"
)

var (
	preprocessOut        string
	preprocessValidation bool
)

var preprocessCmd = &cobra.Command{
	Use:   "preprocess",
	Short: "Run every example through the pipeline and write the results",
	Long: `Load every example of the configured dataset, run each volume through the
clip, resample and normalize pipeline and write the normalized volumes as
float32 .nii.gz files, one per channel, named <index>_<class>_<name>[_t1|_t2].

An index.tsv next to the volumes lists every written example with its label.
Examples are fetched by loader.workers goroutines; loader.failurePolicy decides
whether a broken example aborts the run or is skipped. When metrics.addr is set
a Prometheus endpoint is served at /metrics for the duration of the run.`,
	Args: cobra.NoArgs,
	RunE: runPreprocess,
}

func init() {
	preprocessCmd.Flags().StringVarP(&preprocessOut, "out", "o", "", "Output directory for normalized volumes (required)")
	preprocessCmd.Flags().BoolVar(&preprocessValidation, "val", false, "Process dataset.valRoot instead of dataset.root")
	_ = preprocessCmd.MarkFlagRequired("out")
}

func runPreprocess(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()
	log := logger.With(zap.String("run_id", runID))

	recorder := metrics.New()
	if cfg.Metrics.Addr != "" {
		shutdown := serveMetrics(cfg.Metrics.Addr, recorder, log)
		defer shutdown()
	}

	root, err := datasetRoot(preprocessValidation)
	if err != nil {
		return err
	}
	e, err := newEnumerator(root)
	if err != nil {
		return err
	}

	opts, err := cfg.LoaderOptions()
	if err != nil {
		return err
	}
	// Output files follow enumeration order
	opts.Shuffle = false
	opts.DropLast = false
	opts.Mode = e.Mode().String()
	opts.Logger = log
	opts.Metrics = recorder

	l, err := loader.New(e, opts)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(preprocessOut, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	indexFile, err := os.Create(filepath.Join(preprocessOut, "index.tsv"))
	if err != nil {
		return fmt.Errorf("error creating index file: %w", err)
	}
	defer indexFile.Close()
	index := bufio.NewWriter(indexFile)
	fmt.Fprintln(index, "index\tlabel\tsource\tfiles")

	log.Info("preprocessing started",
		zap.String("mode", e.Mode().String()),
		zap.String("modality", e.Modality().String()),
		zap.Int("examples", e.Len()),
		zap.Int("batches", l.NumBatches()),
		zap.Stringer("target", cfg.Sampling),
		zap.String("out", preprocessOut),
	)

	start := time.Now()
	written := 0
	err = l.Epoch(ctx, 0, func(b *loader.Batch) error {
		for n, idx := range b.Indices {
			files, err := writeExample(e, b, n, idx)
			if err != nil {
				return err
			}
			fmt.Fprintf(index, "%d\t%d\t%s\t%s\n", idx, b.Labels[n], b.Paths[n], files)
			written++
		}
		log.Debug("batch written", zap.Int("batch", b.Number), zap.Int("examples", b.Len()))
		return nil
	})
	if flushErr := index.Flush(); err == nil {
		err = flushErr
	}

	log.Info("preprocessing finished",
		zap.Int("written", written),
		zap.Int("skipped", e.Len()-written),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return err
}

// writeExample writes every channel of example n of a batch and returns the file names
func writeExample(e *dataset.Enumerator, b *loader.Batch, n, idx int) (string, error) {
	example, err := preprocess.Example(b.Tensor, n)
	if err != nil {
		return "", err
	}

	files := ""
	for c := 0; c < e.Modality().Channels(); c++ {
		vol, err := preprocess.Channel(example, c)
		if err != nil {
			return "", err
		}
		name, err := e.ChannelName(idx, c)
		if err != nil {
			return "", err
		}
		file := fmt.Sprintf("%04d_%s.nii.gz", idx, name)
		if err := nifti.Write(filepath.Join(preprocessOut, file), vol); err != nil {
			return "", fmt.Errorf("writing %s: %w", file, err)
		}
		if files != "" {
			files += ","
		}
		files += file
	}
	return files, nil
}

// serveMetrics exposes the recorder on addr until the returned function is called
func serveMetrics(addr string, recorder *metrics.Recorder, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
