// Package loader groups dataset examples into batches, fetching them with a
// bounded pool of workers and delivering batches to the caller in order.
package loader

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"mrivolprep/pkg/dataset"
	"mrivolprep/pkg/metrics"
	"mrivolprep/pkg/preprocess"
)

// Indexer is the random-access example source a Loader reads from
type Indexer interface {
	Len() int
	Get(ctx context.Context, i int) (*dataset.Sample, error)
}

// Policy decides what happens when an example fails to load
type Policy int

const (
	// PolicyAbort stops the epoch at the first failing example
	PolicyAbort Policy = iota

	// PolicySkip logs the failure and drops the example from its batch
	PolicySkip
)

// ParsePolicy accepts "abort" or "skip"
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "abort", "":
		return PolicyAbort, nil
	case "skip":
		return PolicySkip, nil
	default:
		return PolicyAbort, fmt.Errorf("unknown failure policy %q (must be abort or skip)", s)
	}
}

func (p Policy) String() string {
	if p == PolicySkip {
		return "skip"
	}
	return "abort"
}

// Options configures a Loader
type Options struct {
	BatchSize int
	Workers   int
	Shuffle   bool

	// Seed fixes the shuffle order. Zero picks a seed from the clock.
	Seed uint64

	// DropLast discards a trailing batch smaller than BatchSize
	DropLast bool

	Policy Policy

	// Mode labels metrics and log lines, e.g. "train" or "val"
	Mode string

	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Batch is a collated group of examples
type Batch struct {
	// Tensor has shape (N, C, D, H, W)
	Tensor *tensor.Dense

	// Labels holds one class index per example, -1 when unlabelled
	Labels  []int
	Paths   []string
	Indices []int

	Epoch  int
	Number int
}

// Len returns the number of examples in the batch
func (b *Batch) Len() int {
	return len(b.Indices)
}

// Loader iterates an Indexer in batches
type Loader struct {
	source Indexer
	opts   Options
	seed   uint64
	logger *zap.Logger
}

// New validates opts and returns a Loader over source
func New(source Indexer, opts Options) (*Loader, error) {
	if source == nil {
		return nil, fmt.Errorf("loader needs an example source")
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", opts.BatchSize)
	}
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Mode == "" {
		opts.Mode = "train"
	}

	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Loader{source: source, opts: opts, seed: seed, logger: logger}, nil
}

// Len returns the number of examples in the source
func (l *Loader) Len() int {
	return l.source.Len()
}

// NumBatches returns the number of batches one epoch yields when no example is skipped
func (l *Loader) NumBatches() int {
	n := l.source.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Order returns the example order of an epoch. Shuffled orders depend only on
// the seed and the epoch number.
func (l *Loader) Order(epoch int) []int {
	n := l.source.Len()
	if !l.opts.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	rng := rand.New(rand.NewSource(l.seed + uint64(epoch)))
	return rng.Perm(n)
}

type slot struct {
	index    int
	sample   *dataset.Sample
	err      error
	duration time.Duration
	done     chan struct{}
}

// Epoch fetches every example of the epoch and calls fn once per batch, in
// order. It returns the first error from fn, from an example under PolicyAbort,
// or from ctx.
func (l *Loader) Epoch(ctx context.Context, epoch int, fn func(*Batch) error) error {
	order := l.Order(epoch)
	if l.opts.DropLast {
		order = order[:len(order)/l.opts.BatchSize*l.opts.BatchSize]
	}
	if len(order) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make([]*slot, len(order))
	for k, idx := range order {
		slots[k] = &slot{index: idx, done: make(chan struct{})}
	}

	// window bounds the number of fetched but unconsumed examples
	window := make(chan struct{}, 2*l.opts.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)

	produced := make(chan struct{})
	go func() {
		defer close(produced)
		for _, s := range slots {
			s := s
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return
			}
			g.Go(func() error {
				defer close(s.done)
				start := time.Now()
				s.sample, s.err = l.source.Get(gctx, s.index)
				s.duration = time.Since(start)
				return nil
			})
		}
	}()

	err := l.consume(ctx, epoch, slots, window, fn)
	cancel()
	<-produced
	_ = g.Wait()
	return err
}

func (l *Loader) consume(ctx context.Context, epoch int, slots []*slot, window chan struct{}, fn func(*Batch) error) error {
	number := 0
	for start := 0; start < len(slots); start += l.opts.BatchSize {
		end := start + l.opts.BatchSize
		if end > len(slots) {
			end = len(slots)
		}

		samples := make([]*dataset.Sample, 0, end-start)
		for _, s := range slots[start:end] {
			select {
			case <-s.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			<-window

			sample, err := s.sample, s.err
			s.sample = nil
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return ctx.Err()
				}
				if l.opts.Policy == PolicyAbort {
					l.opts.Metrics.RecordExample(l.opts.Mode, metrics.StatusFailed, s.duration)
					return fmt.Errorf("epoch %d: %w", epoch, err)
				}
				l.opts.Metrics.RecordExample(l.opts.Mode, metrics.StatusSkipped, s.duration)
				l.logger.Warn("skipping example",
					zap.String("mode", l.opts.Mode),
					zap.Int("epoch", epoch),
					zap.Int("index", s.index),
					zap.Error(err),
				)
				continue
			}
			l.opts.Metrics.RecordExample(l.opts.Mode, metrics.StatusOK, s.duration)
			samples = append(samples, sample)
		}

		if len(samples) == 0 {
			l.logger.Warn("every example of a batch was skipped",
				zap.String("mode", l.opts.Mode),
				zap.Int("epoch", epoch),
				zap.Int("first", start),
			)
			continue
		}

		batch, err := Collate(samples)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch, number, err)
		}
		batch.Epoch = epoch
		batch.Number = number
		number++
		l.opts.Metrics.RecordBatch(l.opts.Mode)

		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

// Collate stacks samples into one batch
func Collate(samples []*dataset.Sample) (*Batch, error) {
	tensors := make([]*tensor.Dense, len(samples))
	b := &Batch{
		Labels:  make([]int, len(samples)),
		Paths:   make([]string, len(samples)),
		Indices: make([]int, len(samples)),
	}
	for i, s := range samples {
		tensors[i] = s.Tensor
		b.Labels[i] = -1
		if s.HasLabel {
			b.Labels[i] = s.Label
		}
		b.Paths[i] = s.Path
		b.Indices[i] = s.Index
	}

	stacked, err := preprocess.Stack(tensors)
	if err != nil {
		return nil, err
	}
	b.Tensor = stacked
	return b, nil
}
