// Package trainer drives a classification model over train and validation
// batches. The model, its optimizer and the checkpoint format live behind
// interfaces; the trainer handles the epoch loop, validation bookkeeping,
// best-checkpoint selection and reporting.
//
// No command in this module runs a trainer. It is a library entry point: a
// model implementation outside this module supplies the Model, Checkpointer
// and Stopper and drives Run with loaders built from dataset enumerators.
package trainer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mrivolprep/pkg/loader"
)

// initialBestLoss is the validation loss a first checkpoint has to beat
const initialBestLoss = 1000.0

// Scalar names reported to the ScalarWriter
const (
	ScalarTrainLoss    = "train_loss"
	ScalarValLoss      = "val_loss"
	ScalarValAccuracy  = "val_accuracy"
	ScalarLearningRate = "learning_rate"
)

// BatchResult is what a model reports for one batch
type BatchResult struct {
	Loss float64

	// Predictions holds one predicted class per example, in batch order
	Predictions []int
}

// Model trains and evaluates on batches
type Model interface {
	TrainBatch(ctx context.Context, b *loader.Batch) (BatchResult, error)
	EvalBatch(ctx context.Context, b *loader.Batch) (BatchResult, error)
}

// LearningRater is implemented by models with a learning rate schedule. It is
// called at the start of every epoch and returns the rate used for that epoch.
type LearningRater interface {
	StepLearningRate(epoch int) float64
}

// BatchSource yields the batches of one epoch
type BatchSource interface {
	NumBatches() int
	Epoch(ctx context.Context, epoch int, fn func(*loader.Batch) error) error
}

// CheckpointInfo describes a checkpoint worth saving
type CheckpointInfo struct {
	Name     string
	Epoch    int
	ValLoss  float64
	Accuracy float64
}

// Checkpointer persists the model whenever validation loss improves
type Checkpointer interface {
	Save(ctx context.Context, info CheckpointInfo) error
}

// Stopper decides after each validation pass whether training should end
type Stopper interface {
	Observe(valLoss float64) bool
}

// ScalarWriter receives training curves
type ScalarWriter interface {
	AddScalar(name string, value float64, step int)
}

// CheckpointName formats the name a checkpoint is saved under
func CheckpointName(prefix string, info CheckpointInfo) string {
	return fmt.Sprintf("%s_epoch_%d_val_loss_%g_accuracy_%g", prefix, info.Epoch, info.ValLoss, info.Accuracy)
}

// Params configures a training run
type Params struct {
	Epochs int

	// Prefix is prepended to checkpoint names
	Prefix string

	Checkpointer Checkpointer
	Stopper      Stopper
	Scalars      ScalarWriter
	Logger       *zap.Logger
}

// Summary describes a finished run
type Summary struct {
	// Epochs is the number of epochs completed
	Epochs int

	BestValLoss float64

	// BestEpoch is -1 when validation loss never improved on the initial best
	BestEpoch int

	// Stopped is set when the Stopper ended training early
	Stopped bool
}

// Trainer runs the epoch loop
type Trainer struct {
	model  Model
	train  BatchSource
	val    BatchSource
	params Params
	logger *zap.Logger
}

// New returns a trainer. val may be nil, in which case no validation runs and
// no checkpoint is ever saved.
func New(model Model, train, val BatchSource, params Params) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("trainer needs a model")
	}
	if train == nil {
		return nil, fmt.Errorf("trainer needs training batches")
	}
	if params.Epochs < 1 {
		return nil, fmt.Errorf("epochs must be at least 1, got %d", params.Epochs)
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{model: model, train: train, val: val, params: params, logger: logger}, nil
}

// Run trains for the configured number of epochs
func (t *Trainer) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{BestValLoss: initialBestLoss, BestEpoch: -1}
	perEpoch := t.train.NumBatches()
	start := time.Now()

	for epoch := 0; epoch < t.params.Epochs; epoch++ {
		t.logger.Info("start epoch", zap.Int("epoch", epoch))

		if lr, ok := t.model.(LearningRater); ok {
			rate := lr.StepLearningRate(epoch)
			t.logger.Info("learning rate", zap.Float64("lr", rate))
			t.scalar(ScalarLearningRate, rate, epoch)
		}

		lastLoss, err := t.trainEpoch(ctx, epoch, perEpoch, start)
		if err != nil {
			return summary, fmt.Errorf("training epoch %d: %w", epoch, err)
		}
		t.scalar(ScalarTrainLoss, lastLoss, epoch)
		summary.Epochs = epoch + 1

		if t.val == nil {
			continue
		}

		valLoss, accuracy, err := t.validate(ctx, epoch)
		if err != nil {
			return summary, fmt.Errorf("validating epoch %d: %w", epoch, err)
		}
		t.scalar(ScalarValLoss, valLoss, epoch)
		t.scalar(ScalarValAccuracy, accuracy, epoch)

		if valLoss < summary.BestValLoss {
			summary.BestValLoss = valLoss
			summary.BestEpoch = epoch
			if err := t.checkpoint(ctx, epoch, valLoss, accuracy); err != nil {
				return summary, err
			}
		}

		if t.params.Stopper != nil && t.params.Stopper.Observe(valLoss) {
			t.logger.Info("early stopping", zap.Int("epoch", epoch))
			summary.Stopped = true
			break
		}
	}

	t.logger.Info("finished training",
		zap.Int("epochs", summary.Epochs),
		zap.Float64("best_val_loss", summary.BestValLoss),
		zap.Int("best_epoch", summary.BestEpoch),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch, perEpoch int, start time.Time) (float64, error) {
	var lastLoss float64
	err := t.train.Epoch(ctx, epoch, func(b *loader.Batch) error {
		res, err := t.model.TrainBatch(ctx, b)
		if err != nil {
			return err
		}
		lastLoss = res.Loss

		correct, total := countCorrect(res.Predictions, b.Labels)
		step := epoch*perEpoch + b.Number
		avgBatch := time.Since(start) / time.Duration(step+1)

		t.logger.Info("batch",
			zap.Int("epoch", epoch),
			zap.Int("batch", b.Number),
			zap.Int("step", step),
			zap.Float64("loss", res.Loss),
			zap.Float64("accuracy", percent(correct, total)),
			zap.Duration("avg_batch_time", avgBatch),
		)
		return nil
	})
	return lastLoss, err
}

func (t *Trainer) validate(ctx context.Context, epoch int) (float64, float64, error) {
	var (
		runningLoss    float64
		batches        int
		correct, total int
	)
	err := t.val.Epoch(ctx, epoch, func(b *loader.Batch) error {
		res, err := t.model.EvalBatch(ctx, b)
		if err != nil {
			return err
		}
		c, n := countCorrect(res.Predictions, b.Labels)
		correct += c
		total += n
		runningLoss += res.Loss
		batches++

		for i, p := range res.Predictions {
			if i < len(b.Labels) && p != b.Labels[i] {
				t.logger.Debug("misclassified",
					zap.String("path", b.Paths[i]),
					zap.Int("predicted", p),
					zap.Int("label", b.Labels[i]),
				)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if batches == 0 {
		return 0, 0, fmt.Errorf("validation produced no batches")
	}

	valLoss := runningLoss / float64(batches)
	accuracy := percent(correct, total)
	t.logger.Info("validation",
		zap.Int("epoch", epoch),
		zap.Float64("loss", valLoss),
		zap.Float64("accuracy", accuracy),
	)
	return valLoss, accuracy, nil
}

func (t *Trainer) checkpoint(ctx context.Context, epoch int, valLoss, accuracy float64) error {
	info := CheckpointInfo{Epoch: epoch, ValLoss: valLoss, Accuracy: accuracy}
	info.Name = CheckpointName(t.params.Prefix, info)
	if t.params.Checkpointer == nil {
		return nil
	}
	if err := t.params.Checkpointer.Save(ctx, info); err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", info.Name, err)
	}
	t.logger.Info("saved checkpoint",
		zap.String("name", info.Name),
		zap.Int("epoch", epoch),
		zap.Float64("val_loss", valLoss),
		zap.Float64("accuracy", accuracy),
	)
	return nil
}

func (t *Trainer) scalar(name string, value float64, step int) {
	if t.params.Scalars != nil {
		t.params.Scalars.AddScalar(name, value, step)
	}
}

// countCorrect compares predictions with labels; unlabelled examples are not counted
func countCorrect(predictions, labels []int) (correct, total int) {
	for i, p := range predictions {
		if i >= len(labels) || labels[i] < 0 {
			continue
		}
		total++
		if p == labels[i] {
			correct++
		}
	}
	return correct, total
}

func percent(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(correct) / float64(total)
}
