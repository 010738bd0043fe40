// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wideresnet implements the WideResNet ("WRN") family of models for
// small image classification (CIFAR-10, CIFAR-100, MNIST), commonly used as a
// baseline in adversarial-robustness research.
//
// Reference:
//   - Wide Residual Networks, Sergey Zagoruyko, Nikos Komodakis,
//     https://arxiv.org/abs/1605.07146 (BMVC 2016)
//
// The model is built with New, configured with the Config methods (or the
// corresponding context hyperparameters) and materialized with Config.Done,
// which returns the logits Node:
//
//	func ModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
//		images := wideresnet.Cifar10Normalize(inputs[0])
//		logits := wideresnet.New(ctx.In("model"), images, 10).
//			Depth(28).
//			Width(10).
//			Done()
//		return []*graph.Node{logits}
//	}
//
// Whether batch normalization uses batch statistics or the moving averages is
// controlled by the usual context "training" flag (see Context.SetTraining),
// threaded to every block through ctx.
package wideresnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// ParamDepth is the context hyperparameter with the default model depth.
	// It must be of the form 6n+4. The default is 28.
	ParamDepth = "wrn_depth"

	// ParamWidth is the context hyperparameter with the default width
	// multiplier. The default is 10, the canonical WRN-28-10.
	ParamWidth = "wrn_width"
)

// groupBaseFilters are scaled by the width multiplier to give the number of
// filters of each of the 3 block groups.
var groupBaseFilters = [3]int{16, 32, 64}

// Config is created with New and can be further configured with its methods.
// Once set up, call Done to build the model graph.
type Config struct {
	ctx        *context.Context
	image      *Node
	numClasses int

	depth, width int
	activation   activations.Type

	// Batch normalization configuration, shared by every block.
	momentum      float64
	center, scale bool
}

// New creates the configuration for a WideResNet over a batch of images,
// shaped [batch_size, height, width, channels].
//
// The configuration defaults to WRN-28-10 with relu activations; depth and
// width can be changed with Config.Depth and Config.Width or with the
// hyperparameters ParamDepth and ParamWidth in ctx. The activation defaults
// to the hyperparameter activations.ParamActivation ("relu" if unset).
//
// Call Config.Done when finished configuring: it validates the configuration
// and returns the logits, shaped [batch_size, numClasses].
func New(ctx *context.Context, image *Node, numClasses int) *Config {
	if image.Rank() != 4 {
		Panicf("wideresnet: image must be rank-4, shaped [batch_size, height, width, channels], got shape %s",
			image.Shape())
	}
	if numClasses < 1 {
		Panicf("wideresnet: numClasses must be >= 1, got %d", numClasses)
	}
	return &Config{
		ctx:        ctx,
		image:      image,
		numClasses: numClasses,
		depth:      context.GetParamOr(ctx, ParamDepth, 28),
		width:      context.GetParamOr(ctx, ParamWidth, 10),
		activation: activations.FromName(context.GetParamOr(ctx, activations.ParamActivation, "relu")),
		momentum:   0.99,
		center:     false,
		scale:      true,
	}
}

// Depth sets the total number of convolutions of the model. It must be of the
// form 6n+4: 3 groups of n blocks with 2 convolutions each, plus the initial
// convolution and the final dense layer. The default is 28.
func (c *Config) Depth(depth int) *Config {
	c.depth = depth
	return c
}

// Width sets the width multiplier: the block groups use width*16, width*32 and
// width*64 filters. The default is 10.
func (c *Config) Width(width int) *Config {
	c.width = width
	return c
}

// Activation sets the activation used after every batch normalization, by
// name -- see activations.FromName for valid values. It panics on an
// unrecognized name. The default is "relu".
func (c *Config) Activation(name string) *Config {
	c.activation = activations.FromName(name)
	return c
}

// Momentum sets the moving-average momentum ("decay rate") of the batch
// normalization layers. The default is 0.99.
func (c *Config) Momentum(momentum float64) *Config {
	c.momentum = momentum
	return c
}

// Center sets whether batch normalization layers learn an offset (β).
// The original model does not, so the default is false.
func (c *Config) Center(center bool) *Config {
	c.center = center
	return c
}

// Scale sets whether batch normalization layers learn a scale (γ).
// The default is true.
func (c *Config) Scale(scale bool) *Config {
	c.scale = scale
	return c
}

// Done validates the configuration and builds the WideResNet graph on the
// image given to New. It returns the logits, shaped [batch_size, numClasses].
//
// It panics (gomlx exceptions) on an invalid depth or width.
func (c *Config) Done() *Node {
	if (c.depth-4)%6 != 0 || c.depth < 10 {
		Panicf("wideresnet: depth must be of the form 6n+4 (10, 16, 22, 28, ...), got %d", c.depth)
	}
	if c.width < 1 {
		Panicf("wideresnet: width must be >= 1, got %d", c.width)
	}

	ctx := c.ctx
	x := c.image
	batchSize := x.Shape().Dimensions[0]

	x = layers.Convolution(ctx.In("init_conv"), x).CurrentScope().
		Channels(16).KernelSize(3).Strides(1).PadSame().UseBias(false).Done()

	blocksPerGroup := (c.depth - 4) / 6
	for group, baseFilters := range groupBaseFilters {
		numFilters := c.width * baseFilters
		for blockNum := range blocksPerGroup {
			stride := 1
			if group > 0 && blockNum == 0 {
				// Downsampling happens once per group, except for the first.
				stride = 2
			}
			blockCtx := ctx.Inf("layer_%d_block_%d", group, blockNum)
			x = c.residualBlock(blockCtx, x, numFilters, stride, blockNum == 0)
		}
	}

	x = c.batchNorm(ctx.In("final_norm"), x)
	x = activations.Apply(c.activation, x)

	// Global average pooling over the spatial axes.
	x = ReduceMean(x, 1, 2)

	logits := layers.Dense(ctx.In("logits"), x, true, c.numClasses)
	logits.AssertDims(batchSize, c.numClasses)
	return logits
}

// residualBlock builds one block: two (batchnorm → activation → 3x3 conv)
// stages plus a skip connection. The first stage applies the block stride.
//
// When projectionShortcut is true the skip path goes through a strided 1x1
// convolution, and it taps the tensor after the first stage's normalization
// and activation, not the raw block input. Otherwise the raw input is added
// back directly, which requires stride==1 and an unchanged filter count.
func (c *Config) residualBlock(ctx *context.Context, input *Node, numFilters, stride int, projectionShortcut bool) *Node {
	x := input
	shortcut := input
	for i := range 2 {
		s := 1
		if i == 0 {
			s = stride
		}
		x = c.batchNorm(ctx.Inf("batchnorm_%d", i), x)
		x = activations.Apply(c.activation, x)
		if projectionShortcut && i == 0 {
			shortcut = x
		}
		x = layers.Convolution(ctx.Inf("conv_%d", i), x).CurrentScope().
			Channels(numFilters).KernelSize(3).Strides(s).PadSame().UseBias(false).Done()
	}
	if projectionShortcut {
		shortcut = layers.Convolution(ctx.In("shortcut"), shortcut).CurrentScope().
			Channels(numFilters).KernelSize(1).Strides(stride).PadSame().UseBias(false).Done()
	}
	return Add(x, shortcut)
}

func (c *Config) batchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).CurrentScope().
		Momentum(c.momentum).Center(c.center).Scale(c.scale).Done()
}
