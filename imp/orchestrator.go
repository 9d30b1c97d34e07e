// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imp

import (
	"io"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// maxRampEpochs is a safety ceiling on the sparsity-ramp phase: a
// misconfigured schedule must not loop forever.
const maxRampEpochs = 1_000_000

// MetricsWriter receives the per-epoch metrics emitted by Pruner.Run:
// train_loss, train_acc, sparsity, val_loss, val_acc,
// val_loss_density_product and, once at the end, test_loss and test_acc. The
// final test metrics belong to no ramp epoch and are written with epoch -1.
// Implementations must not retain the name string beyond the call.
type MetricsWriter interface {
	Write(epoch int, name string, value float64)
}

// klogMetricsWriter is the default MetricsWriter, logging through klog.
type klogMetricsWriter struct{}

func (klogMetricsWriter) Write(epoch int, name string, value float64) {
	klog.Infof("epoch %d: %s=%.6f", epoch, name, value)
}

// Options configures a Pruner. The zero value is not usable: at least
// ModelSparsity, PruningInterval and SparsitySteps must be set.
type Options struct {
	// ModelSparsity is the target parameter-weighted sparsity, in [0, 1).
	ModelSparsity float64

	// BlockPolicy selects the block shape per layer scope. Nil means 1x1
	// blocks everywhere (unstructured pruning).
	BlockPolicy BlockPolicy

	// LearningRate of the SGD optimizer used in both phases. Defaults to 0.01.
	LearningRate float64

	// GlobalPrune pools the blocks of all target layers and prunes across
	// them; false prunes each layer at the same rate independently.
	GlobalPrune bool

	// PruneFirstLayer and PruneLastLayer include the first/last eligible
	// layer among the pruning targets.
	PruneFirstLayer, PruneLastLayer bool

	// PruningInterval is the number of epochs between pruning events during
	// the sparsity ramp; the epochs in between fine-tune the survivors.
	PruningInterval int

	// SparsitySteps is the number of pruning events the schedule takes to
	// ramp from 0 to ModelSparsity.
	SparsitySteps int

	// SparsityMargin relaxes the stopping condition: the ramp stops
	// successfully once sparsity >= ModelSparsity - SparsityMargin.
	SparsityMargin float64

	// PretrainEpochs is the number of dense training epochs before any
	// pruning happens. With 0 pruning starts from the initial weights.
	PretrainEpochs int

	// Patience is the number of consecutive ramp epochs without a sparsity
	// improvement tolerated before Run fails. Defaults to PruningInterval
	// and must be at least PruningInterval, since sparsity only moves on
	// pruning epochs.
	Patience int

	// LabelSmoothing applied to the training loss only (evaluation uses the
	// plain cross-entropy). Defaults to 0.1; set negative to disable.
	LabelSmoothing float64

	// CheckpointDir, if set, saves the model whenever the
	// val_loss_density_product composite improves, keeping the single best.
	CheckpointDir string

	// Schedule maps epochs to cumulative pruning rates. Defaults to
	// GeometricSchedule.
	Schedule Schedule

	// Metrics receives the per-epoch metrics. Defaults to klog logging.
	Metrics MetricsWriter
}

// Pruner orchestrates the two training phases of iterative magnitude
// pruning: a dense pretraining phase and a sparsity ramp that alternates
// pruning events with fine-tuning epochs until the target sparsity is
// reached (or patience runs out). Create it with New and drive it with Run.
type Pruner struct {
	backend    backends.Backend
	ctx        *context.Context
	modelFn    func(ctx *context.Context, spec any, inputs []*Node) []*Node
	opts       Options
	lossFn     losses.LossFn
	checkpoint *checkpoints.Handler

	// controller is created by Run, after the model variables exist.
	controller *Controller
}

// New validates the configuration and returns a Pruner ready to Run. The
// modelFn must build its layers with the masked package for them to be
// pruning targets. If opts.CheckpointDir is set, a previously saved
// checkpoint in it is loaded into ctx here.
func New(backend backends.Backend, ctx *context.Context,
	modelFn func(ctx *context.Context, spec any, inputs []*Node) []*Node,
	opts Options) (*Pruner, error) {
	if err := validateRate(opts.ModelSparsity); err != nil {
		return nil, errors.WithMessage(err, "ModelSparsity")
	}
	if opts.PruningInterval <= 0 {
		return nil, errors.Errorf("PruningInterval must be positive, got %d", opts.PruningInterval)
	}
	if opts.SparsitySteps <= 0 {
		return nil, errors.Errorf("SparsitySteps must be positive, got %d", opts.SparsitySteps)
	}
	if opts.SparsityMargin < 0 || opts.SparsityMargin >= 1 {
		return nil, errors.Errorf("SparsityMargin must be in [0, 1), got %g", opts.SparsityMargin)
	}
	if opts.PretrainEpochs < 0 {
		return nil, errors.Errorf("PretrainEpochs must be non-negative, got %d", opts.PretrainEpochs)
	}
	if opts.Patience == 0 {
		opts.Patience = opts.PruningInterval
	}
	if opts.Patience < opts.PruningInterval {
		return nil, errors.Errorf("Patience (%d) must be at least PruningInterval (%d), "+
			"sparsity only changes on pruning epochs", opts.Patience, opts.PruningInterval)
	}
	if opts.LearningRate == 0 {
		opts.LearningRate = 0.01
	}
	if opts.LearningRate < 0 {
		return nil, errors.Errorf("LearningRate must be positive, got %g", opts.LearningRate)
	}
	switch {
	case opts.LabelSmoothing == 0:
		opts.LabelSmoothing = 0.1
	case opts.LabelSmoothing < 0:
		opts.LabelSmoothing = 0
	}
	if opts.Schedule == nil {
		opts.Schedule = GeometricSchedule
	}
	if opts.Metrics == nil {
		opts.Metrics = klogMetricsWriter{}
	}
	p := &Pruner{
		backend: backend,
		ctx:     ctx,
		modelFn: modelFn,
		opts:    opts,
	}
	// The loss constructor follows the graph-building convention and panics
	// on invalid smoothing; convert that into an error here.
	if err := exceptions.TryCatch[error](func() {
		p.lossFn = trainOnlySmoothing(
			func(g *Graph) bool { return ctx.IsTraining(g) },
			CrossEntropyWithLabelSmoothing(opts.LabelSmoothing),
			losses.SparseCategoricalCrossEntropyLogits)
	}); err != nil {
		return nil, errors.WithMessage(err, "LabelSmoothing")
	}
	if opts.CheckpointDir != "" {
		handler, err := checkpoints.Build(ctx).
			Dir(opts.CheckpointDir).
			Keep(1).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "setting up checkpoints in %q", opts.CheckpointDir)
		}
		p.checkpoint = handler
	}
	return p, nil
}

// Controller returns the lifecycle controller, available once Run reached the
// sparsity ramp (nil before). Useful to Rewind weights after Run finishes.
func (p *Pruner) Controller() *Controller { return p.controller }

// Run executes both phases: pretrain on trainDS for PretrainEpochs, then ramp
// sparsity with one pruning event every PruningInterval epochs, evaluating on
// validDS after every ramp epoch, until the target sparsity (minus margin) is
// reached. It finishes with an evaluation on testDS.
//
// It returns an error if the loss diverges, if sparsity stops improving for
// more than Patience epochs before reaching the target, or on any
// configuration or backend failure. Datasets must be finite (yield io.EOF at
// the end of an epoch).
func (p *Pruner) Run(trainDS, validDS, testDS train.Dataset) error {
	opts := &p.opts
	optimizer := optimizers.StochasticGradientDescent().
		WithDecay(false).
		WithLearningRate(opts.LearningRate).
		Done()

	movingAccuracy := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	meanAccuracy := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")

	// Phase 1: dense pretraining.
	trainer := train.NewTrainer(p.backend, p.ctx, p.modelFn, p.lossFn, optimizer,
		[]metrics.Interface{movingAccuracy},
		[]metrics.Interface{meanAccuracy})
	if optimizers.GetGlobalStep(p.ctx) > 0 {
		// Resumed from a checkpoint.
		trainer.SetContext(p.ctx.Reuse())
	}
	if opts.PretrainEpochs > 0 {
		klog.Infof("pretraining for %d epochs", opts.PretrainEpochs)
		loop := train.NewLoop(trainer)
		commandline.AttachProgressBar(loop)
		if _, err := loop.RunEpochs(trainDS, opts.PretrainEpochs); err != nil {
			return errors.WithMessage(err, "pretraining")
		}
	} else {
		// The model variables only exist after a first graph execution;
		// run one evaluation to materialize them before FindTargets.
		if _, err := trainer.Eval(validDS); err != nil {
			return errors.WithMessage(err, "initializing model variables")
		}
	}

	reg, err := FindTargets(p.ctx, opts.BlockPolicy, opts.PruneFirstLayer, opts.PruneLastLayer)
	if err != nil {
		return err
	}
	controller, err := NewController(reg, opts.Schedule, opts.ModelSparsity,
		opts.PruningInterval, opts.SparsitySteps, opts.GlobalPrune)
	if err != nil {
		return err
	}
	p.controller = controller
	klog.Infof("pruning %d layers, %d parameters total, target sparsity %.2f%%",
		reg.NumLayers(), reg.TotalParams(), 100*opts.ModelSparsity)

	// Phase 2: sparsity ramp. A fresh trainer with the sparsity metric
	// attached; the context is shared and all variables already exist.
	rampTrainer := train.NewTrainer(p.backend, p.ctx.Checked(false), p.modelFn, p.lossFn, optimizer,
		[]metrics.Interface{movingAccuracy, controller.SparsityMetric()},
		[]metrics.Interface{meanAccuracy})

	stopSparsity := opts.ModelSparsity - opts.SparsityMargin
	bestSparsity := -1.0
	bestComposite := math.Inf(1)
	epochsWithoutImprovement := 0
	for epoch := 0; ; epoch++ {
		if epoch >= maxRampEpochs {
			return errors.Errorf("sparsity ramp did not converge within %d epochs", maxRampEpochs)
		}
		if err := controller.OnEpochStart(epoch); err != nil {
			return err
		}
		trainLoss, trainAcc, err := p.runTrainEpoch(rampTrainer, trainDS)
		if err != nil {
			return errors.WithMessagef(err, "ramp epoch %d", epoch)
		}
		if err := controller.OnEpochEnd(epoch); err != nil {
			return err
		}

		evalValues, err := rampTrainer.Eval(validDS)
		if err != nil {
			return errors.WithMessagef(err, "validation at ramp epoch %d", epoch)
		}
		valLoss, valAcc := lossAndAccuracy(rampTrainer.EvalMetrics(), evalValues)
		sparsity, err := controller.Sparsity()
		if err != nil {
			return err
		}
		// The composite rewards low validation loss at high sparsity; it is
		// the checkpointing criterion, so saved models balance both.
		composite := valLoss * (opts.ModelSparsity - sparsity)

		opts.Metrics.Write(epoch, "train_loss", trainLoss)
		opts.Metrics.Write(epoch, "train_acc", trainAcc)
		opts.Metrics.Write(epoch, "sparsity", sparsity)
		opts.Metrics.Write(epoch, "val_loss", valLoss)
		opts.Metrics.Write(epoch, "val_acc", valAcc)
		opts.Metrics.Write(epoch, "val_loss_density_product", composite)

		if p.checkpoint != nil && composite < bestComposite {
			bestComposite = composite
			if err := p.checkpoint.Save(); err != nil {
				return errors.WithMessage(err, "saving checkpoint")
			}
		}

		if sparsity >= stopSparsity {
			controller.MarkConverged()
			klog.Infof("target sparsity reached at epoch %d: %.2f%% (target %.2f%%, margin %.2f%%)",
				epoch, 100*sparsity, 100*opts.ModelSparsity, 100*opts.SparsityMargin)
			break
		}
		if sparsity > bestSparsity {
			bestSparsity = sparsity
			epochsWithoutImprovement = 0
		} else {
			epochsWithoutImprovement++
			if epochsWithoutImprovement > opts.Patience {
				return errors.Errorf("sparsity stalled at %.2f%% for more than %d epochs "+
					"without reaching the %.2f%% target", 100*sparsity, opts.Patience, 100*stopSparsity)
			}
		}
	}

	testValues, err := rampTrainer.Eval(testDS)
	if err != nil {
		return errors.WithMessage(err, "final test evaluation")
	}
	testLoss, testAcc := lossAndAccuracy(rampTrainer.EvalMetrics(), testValues)
	opts.Metrics.Write(-1, "test_loss", testLoss)
	opts.Metrics.Write(-1, "test_acc", testAcc)
	return commandline.ReportEval(rampTrainer, testDS)
}

// runTrainEpoch trains over one full pass of the dataset, checking the loss
// for divergence at every step, and returns the last step's loss and the
// moving-average accuracy.
func (p *Pruner) runTrainEpoch(trainer *train.Trainer, ds train.Dataset) (trainLoss, trainAcc float64, err error) {
	for {
		spec, inputs, labels, yieldErr := ds.Yield()
		if yieldErr == io.EOF {
			ds.Reset()
			return trainLoss, trainAcc, nil
		}
		if yieldErr != nil {
			return 0, 0, errors.WithMessagef(yieldErr, "reading from dataset %q", ds.Name())
		}
		stepMetrics, stepErr := trainer.TrainStep(spec, inputs, labels)
		if stepErr != nil {
			return 0, 0, errors.WithMessagef(stepErr, "training step on dataset %q", ds.Name())
		}
		trainLoss, trainAcc = lossAndAccuracy(trainer.TrainMetrics(), stepMetrics)
		if math.IsNaN(trainLoss) || math.IsInf(trainLoss, 0) {
			return 0, 0, errors.Errorf("training loss diverged to %f", trainLoss)
		}
	}
}

// lossAndAccuracy picks the loss- and accuracy-typed metric values out of a
// trainer's metric results, which are index-aligned with its metric
// definitions.
func lossAndAccuracy(defs []metrics.Interface, values []*tensors.Tensor) (loss, accuracy float64) {
	for i, def := range defs {
		if i >= len(values) {
			break
		}
		value := shapes.ConvertTo[float64](values[i].Value())
		switch def.MetricType() {
		case metrics.LossMetricType:
			loss = value
		case metrics.AccuracyMetricType:
			accuracy = value
		}
	}
	return
}
