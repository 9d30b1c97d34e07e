// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imp

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the pruning lifecycle. The Controller moves through the states as
// its epoch hooks are called; see Controller.
type State int

const (
	// StateIdle: created, no epoch hook called yet.
	StateIdle State = iota

	// StateAwaitingPruneEpoch: training epochs running, the next pruning
	// event hasn't been reached yet.
	StateAwaitingPruneEpoch

	// StatePruned: a pruning event just ran in OnEpochStart; the rewind
	// snapshot will be refreshed at the matching OnEpochEnd.
	StatePruned

	// StateFineTuning: between pruning events, surviving weights training.
	StateFineTuning

	// StateConverged: the target sparsity was reached, no more pruning.
	StateConverged
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPruneEpoch:
		return "awaiting-prune-epoch"
	case StatePruned:
		return "pruned"
	case StateFineTuning:
		return "fine-tuning"
	case StateConverged:
		return "converged"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Controller drives the pruning lifecycle over a caller-owned epoch loop: the
// caller calls OnEpochStart before training each epoch and OnEpochEnd after.
// Every PruningInterval epochs OnEpochStart consults the schedule for the
// cumulative rate and reallocates the masks (local or global); OnEpochEnd of
// such a pruning epoch refreshes the rewind snapshot, so Rewind always
// returns the weights to their values right after the most recent pruning
// event (or to the initial weights before any event), masks untouched.
type Controller struct {
	registry *Registry
	schedule Schedule

	targetSparsity   float64
	interval, steps  int
	globalAllocation bool

	state    State
	rewind   WeightsSnapshot
	lastRate float64
}

// NewController validates the pruning configuration and takes the initial
// rewind snapshot. interval and steps must be positive, targetSparsity in
// [0, 1); schedule defaults to GeometricSchedule when nil.
func NewController(reg *Registry, schedule Schedule, targetSparsity float64, interval, steps int, globalAllocation bool) (*Controller, error) {
	if interval <= 0 {
		return nil, errors.Errorf("pruning interval must be positive, got %d", interval)
	}
	if steps <= 0 {
		return nil, errors.Errorf("number of sparsity steps must be positive, got %d", steps)
	}
	if err := validateRate(targetSparsity); err != nil {
		return nil, errors.WithMessage(err, "target sparsity")
	}
	if schedule == nil {
		schedule = GeometricSchedule
	}
	rewind, err := reg.Snapshot()
	if err != nil {
		return nil, errors.WithMessage(err, "taking initial rewind snapshot")
	}
	return &Controller{
		registry:         reg,
		schedule:         schedule,
		targetSparsity:   targetSparsity,
		interval:         interval,
		steps:            steps,
		globalAllocation: globalAllocation,
		state:            StateIdle,
		rewind:           rewind,
	}, nil
}

// Registry returns the controller's target-layer registry.
func (c *Controller) Registry() *Registry { return c.registry }

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state }

// CurrentRate returns the cumulative pruning rate of the most recent pruning
// event, 0 before the first.
func (c *Controller) CurrentRate() float64 { return c.lastRate }

// Sparsity returns the realized, parameter-weighted model sparsity from the
// current masks.
func (c *Controller) Sparsity() (float64, error) { return c.registry.Sparsity() }

// OnEpochStart must be called before training epoch `epoch` (0-based,
// counting from the start of the sparsity-ramp phase). On pruning epochs
// (multiples of the interval) it reallocates the masks at the schedule's
// cumulative rate; on other epochs it only tracks state. Once converged it
// is a no-op.
func (c *Controller) OnEpochStart(epoch int) error {
	if c.state == StateConverged {
		return nil
	}
	if epoch%c.interval != 0 {
		if c.state != StateIdle {
			c.state = StateFineTuning
		} else {
			c.state = StateAwaitingPruneEpoch
		}
		return nil
	}
	rate := c.schedule(epoch, c.targetSparsity, c.interval, c.steps)
	if err := validateRate(rate); err != nil {
		return errors.WithMessagef(err, "schedule at epoch %d", epoch)
	}
	if c.globalAllocation {
		realized, err := allocateGlobal(c.registry, rate)
		if err != nil {
			return errors.WithMessagef(err, "global mask allocation at epoch %d", epoch)
		}
		klog.V(1).Infof("epoch %d: pruned globally at cumulative rate %.4f (realized sparsity %.4f)",
			epoch, rate, realized)
	} else {
		if err := allocateLocal(c.registry, rate); err != nil {
			return errors.WithMessagef(err, "local mask allocation at epoch %d", epoch)
		}
		klog.V(1).Infof("epoch %d: pruned each layer at cumulative rate %.4f", epoch, rate)
	}
	c.lastRate = rate
	c.state = StatePruned
	return nil
}

// OnEpochEnd must be called after training epoch `epoch`. At the end of a
// pruning epoch it refreshes the rewind snapshot with the weights as trained
// under the new masks; Rewind then restores this point.
func (c *Controller) OnEpochEnd(epoch int) error {
	if c.state != StatePruned {
		return nil
	}
	snapshot, err := c.registry.Snapshot()
	if err != nil {
		return errors.WithMessagef(err, "rewind snapshot at end of epoch %d", epoch)
	}
	c.rewind = snapshot
	c.state = StateFineTuning
	return nil
}

// Rewind restores the weights from the current rewind snapshot -- the state
// right after the most recent pruning event, or the initial weights if none
// happened yet. Masks are never part of the snapshot: the current sparsity
// pattern survives a rewind.
func (c *Controller) Rewind() error {
	return c.registry.Restore(c.rewind)
}

// MarkConverged freezes the controller: subsequent epoch hooks become no-ops
// and the masks stay as they are.
func (c *Controller) MarkConverged() {
	c.state = StateConverged
}

// SparsityMetric returns a training metric reporting the model sparsity
// computed from the mask variables inside the graph:
// 1 - sum(masks)/totalParams. Attach it to a train.Trainer's list of training
// metrics to see sparsity on the progress bar.
func (c *Controller) SparsityMetric() metrics.Interface {
	totalParams := c.registry.TotalParams()
	layers := c.registry.Layers()
	metricFn := func(ctx *context.Context, labels, predictions []*Node) *Node {
		g := predictions[0].Graph()
		var kept *Node
		for _, l := range layers {
			layerKept := ReduceAllSum(ConvertDType(l.Mask.ValueGraph(g), dtypes.Float64))
			if kept == nil {
				kept = layerKept
			} else {
				kept = Add(kept, layerKept)
			}
		}
		return OneMinus(MulScalar(kept, 1.0/float64(totalParams)))
	}
	pPrintFn := func(value *tensors.Tensor) string {
		return fmt.Sprintf("%.2f%%", 100*shapes.ConvertTo[float64](value.Value()))
	}
	return metrics.NewBaseMetric("Model Sparsity", "sparsity", "sparsity", metricFn, pPrintFn)
}
