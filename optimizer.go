// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reviewgen

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// GroupedAdamScope is the scope name under which the optimizer keeps its
// moments and per-group step counters.
const GroupedAdamScope = "GroupedAdamOptimizer"

// clipNormEpsilon avoids division by zero when a group's gradient is exactly
// zero. Matches the usual gradient-norm clipping formulation.
const clipNormEpsilon = 1e-6

// GroupedAdamConfig configures a GroupedAdam optimizer. Create it with
// GroupedAdam, adjust, then call Done.
type GroupedAdamConfig struct {
	groups       []string
	clipNorm     float64
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
}

// GroupedAdam returns the configuration for an optimizer that partitions the
// trainable variables into named groups and runs an independent Adam per
// group, each with its own learning rate variable, step counter and moments.
//
// Each group name is a child scope of the context the trainer runs the model
// under: a variable belongs to the group whose scope contains it. A trainable
// variable outside every group is an error.
//
// Before the Adam update, each group's gradients are clipped together to a
// maximum global L2 norm (see GroupedAdamConfig.ClipNorm), so one group's
// exploding gradient does not shrink another group's step.
func GroupedAdam(groups ...string) *GroupedAdamConfig {
	if len(groups) == 0 {
		exceptions.Panicf("GroupedAdam requires at least one group name")
	}
	return &GroupedAdamConfig{
		groups:       groups,
		clipNorm:     0,  // 0 disables clipping.
		learningRate: -1, // < 0 means read optimizers.ParamLearningRate.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// ClipNorm sets the maximum global L2 norm of each group's gradients. Zero
// disables clipping.
func (c *GroupedAdamConfig) ClipNorm(norm float64) *GroupedAdamConfig {
	c.clipNorm = norm
	return c
}

// LearningRate sets the initial learning rate of every group. The default is
// to read the hyperparameter optimizers.ParamLearningRate from the context.
// Each group's rate lives in its own variable and can be reassigned between
// steps, see SetGroupLearningRate.
func (c *GroupedAdamConfig) LearningRate(lr float64) *GroupedAdamConfig {
	c.learningRate = lr
	return c
}

// Betas sets the Adam moving-average coefficients.
func (c *GroupedAdamConfig) Betas(beta1, beta2 float64) *GroupedAdamConfig {
	c.beta1 = beta1
	c.beta2 = beta2
	return c
}

// Epsilon sets the term added to the denominator for numerical stability.
func (c *GroupedAdamConfig) Epsilon(epsilon float64) *GroupedAdamConfig {
	c.epsilon = epsilon
	return c
}

// Done finishes the configuration and returns an optimizers.Interface.
func (c *GroupedAdamConfig) Done() optimizers.Interface {
	return &groupedAdam{config: c}
}

type groupedAdam struct {
	config *GroupedAdamConfig
}

// UpdateGraph builds the per-group clip and Adam updates for one training
// step. It implements optimizers.Interface.
func (o *groupedAdam) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("no gradients returned, are there any trainable variables ?")
	}
	dtype := loss.DType()

	// Collect the trainable variables in the same order as their gradients,
	// and assign each to its group.
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			vars = append(vars, v)
		}
	}
	if len(vars) != len(grads) {
		exceptions.Panicf("got gradients for %d variables, but the optimizer sees %d variables -- "+
			"were new variables created in between ?", len(grads), len(vars))
	}
	byGroup := make([][]int, len(o.config.groups))
	for varIdx, v := range vars {
		groupIdx := o.groupIndex(ctx, v)
		byGroup[groupIdx] = append(byGroup[groupIdx], varIdx)
	}

	// One global step for the whole trainer, plus one step counter per group
	// used for the bias correction.
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	for groupIdx, group := range o.config.groups {
		varIndices := byGroup[groupIdx]
		if len(varIndices) == 0 {
			exceptions.Panicf("optimizer group %q has no trainable variables in use", group)
		}
		groupGrads := make([]*Node, len(varIndices))
		for i, varIdx := range varIndices {
			groupGrads[i] = grads[varIdx]
		}
		if o.config.clipNorm > 0 {
			groupGrads = clipByGlobalNorm(groupGrads, o.config.clipNorm)
		}

		lrValue := o.config.learningRate
		if lrValue < 0 {
			lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.AdamDefaultLearningRate)
		}
		learningRate := optimizers.LearningRateVar(ctx.In(group), dtype, lrValue).ValueGraph(g)
		groupStep := optimizers.IncrementGlobalStepGraph(ctx.In(GroupedAdamScope).In(group), g, dtype)

		beta1 := Const(g, shapes.CastAsDType(o.config.beta1, dtype))
		debiasTermBeta1 := Reciprocal(OneMinus(Pow(beta1, groupStep)))
		beta2 := Const(g, shapes.CastAsDType(o.config.beta2, dtype))
		debiasTermBeta2 := Reciprocal(OneMinus(Pow(beta2, groupStep)))
		epsilon := Const(g, shapes.CastAsDType(o.config.epsilon, dtype))

		for i, varIdx := range varIndices {
			o.applyAdamGraph(ctx, g, vars[varIdx], dtype, groupGrads[i],
				learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon)
		}
	}
}

// groupIndex finds the group whose scope contains the variable's scope.
func (o *groupedAdam) groupIndex(ctx *context.Context, v *context.Variable) int {
	for groupIdx, group := range o.config.groups {
		groupScope := ctx.In(group).Scope()
		if v.Scope() == groupScope || strings.HasPrefix(v.Scope(), groupScope+context.ScopeSeparator) {
			return groupIdx
		}
	}
	exceptions.Panicf("trainable variable %q (scope %q) belongs to none of the optimizer groups %v -- "+
		"every trainable variable must live under a group scope", v.Name(), v.Scope(), o.config.groups)
	return -1
}

// clipByGlobalNorm scales the gradients so that their joint L2 norm is at
// most clipNorm. Gradients already within the limit are unchanged.
func clipByGlobalNorm(grads []*Node, clipNorm float64) []*Node {
	g := grads[0].Graph()
	dtype := grads[0].DType()
	normSquare := ScalarZero(g, dtype)
	for _, grad := range grads {
		normSquare = Add(normSquare, L2NormSquare(grad))
	}
	norm := Sqrt(normSquare)
	coef := Div(Scalar(g, dtype, clipNorm), AddScalar(norm, clipNormEpsilon))
	coef = MinScalar(coef, 1.0)
	clipped := make([]*Node, len(grads))
	for i, grad := range grads {
		clipped[i] = Mul(grad, coef)
	}
	return clipped
}

func (o *groupedAdam) applyAdamGraph(ctx *context.Context, g *Graph, v *context.Variable, dtype dtypes.DType,
	grad, learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon *Node) {
	m1Var, m2Var := o.getMomentVariables(ctx, v, dtype)
	moment1 := m1Var.ValueGraph(g)
	moment2 := m2Var.ValueGraph(g)
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}

	moment1 = Add(Mul(beta1, moment1), Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	debiasedMoment1 := Mul(moment1, debiasTermBeta1)

	moment2 = Add(Mul(beta2, moment2), Mul(OneMinus(beta2), Square(grad)))
	m2Var.SetValueGraph(moment2)
	debiasedMoment2 := Mul(moment2, debiasTermBeta2)
	denominator := Add(Sqrt(debiasedMoment2), epsilon)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	updated := Sub(value, Div(Mul(learningRate, debiasedMoment1), denominator))
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

func (o *groupedAdam) getMomentVariables(ctx *context.Context, trainable *context.Variable,
	dtype dtypes.DType) (m1, m2 *context.Variable) {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, GroupedAdamScope, trainable.Scope())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	ctx = ctx.Checked(false).InAbsPath(scopePath).WithInitializer(initializers.Zero)
	m1 = ctx.VariableWithShape(trainable.Name()+"_1st_moment", shape).SetTrainable(false)
	m2 = ctx.VariableWithShape(trainable.Name()+"_2nd_moment", shape).SetTrainable(false)
	return
}

// Clear deletes all optimizer state: moments and per-group step counters.
// It implements optimizers.Interface.
func (o *groupedAdam) Clear(ctx *context.Context) error {
	return ctx.In(GroupedAdamScope).DeleteVariablesInScope()
}

// SetGroupLearningRate assigns a group's learning rate variable, creating it
// if needed. ctx must be the same context (and scope) the trainer runs under.
func SetGroupLearningRate(ctx *context.Context, group string, dtype dtypes.DType, lr float64) error {
	lrVar := optimizers.LearningRateVar(ctx.In(group), dtype, lr)
	return lrVar.SetValue(tensors.FromAnyValue(shapes.CastAsDType(lr, dtype)))
}

// DecayedLearningRate computes the stepwise learning rate for an epoch:
// base * ratio^(epoch/decayEpochs) with integer division. It is recomputed
// from base every epoch, so the decay never compounds across resumes.
func DecayedLearningRate(base, ratio float64, epoch, decayEpochs int) float64 {
	if decayEpochs <= 0 || ratio <= 0 {
		return base
	}
	lr := base
	for range epoch / decayEpochs {
		lr *= ratio
	}
	return lr
}
