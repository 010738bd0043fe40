// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wideresnet

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
)

func TestWideResNetShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, test := range []struct {
		depth, width, numClasses int
	}{
		{depth: 10, width: 1, numClasses: 10},
		{depth: 16, width: 2, numClasses: 100},
		{depth: 28, width: 1, numClasses: 10},
	} {
		t.Run(fmt.Sprintf("WRN-%d-%d", test.depth, test.width), func(t *testing.T) {
			ctx := context.New()
			got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				images := Ones(g, shapes.Make(dtypes.Float32, 2, 32, 32, 3))
				return New(ctx.In("model"), images, test.numClasses).
					Depth(test.depth).
					Width(test.width).
					Done()
			})
			require.NoError(t, got.Shape().Check(dtypes.Float32, 2, test.numClasses))
		})
	}
}

func TestWideResNetInvalidConfig(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	buildWith := func(configure func(c *Config) *Config) {
		ctx := context.New()
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			images := Ones(g, shapes.Make(dtypes.Float32, 2, 32, 32, 3))
			return configure(New(ctx.In("model"), images, 10)).Done()
		})
	}

	// (27-4) % 6 != 0.
	require.Panics(t, func() { buildWith(func(c *Config) *Config { return c.Depth(27).Width(1) }) })
	require.Panics(t, func() { buildWith(func(c *Config) *Config { return c.Depth(10).Width(0) }) })
	require.Panics(t, func() {
		buildWith(func(c *Config) *Config { return c.Depth(10).Width(1).Activation("no_such_activation") })
	})

	// Sanity check that the valid neighbor configuration builds.
	require.NotPanics(t, func() { buildWith(func(c *Config) *Config { return c.Depth(28).Width(1) }) })
}

// TestWideResNetTopology builds WRN-28-1 and inspects the variables created:
// (28-4)/6 = 4 blocks per group, 3 groups, projection shortcut only on the
// first block of each group.
func TestWideResNetTopology(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		images := Ones(g, shapes.Make(dtypes.Float32, 1, 32, 32, 3))
		return New(ctx.In("model"), images, 10).Depth(28).Width(1).Done()
	})

	require.NotNil(t, ctx.InspectVariable("/model/init_conv", "weights"))
	const blocksPerGroup = 4
	for group := range 3 {
		for blockNum := range blocksPerGroup {
			scope := fmt.Sprintf("/model/layer_%d_block_%d", group, blockNum)
			for i := range 2 {
				require.NotNil(t, ctx.InspectVariable(fmt.Sprintf("%s/conv_%d", scope, i), "weights"),
					"missing conv_%d in %s", i, scope)
				require.NotNil(t, ctx.InspectVariable(fmt.Sprintf("%s/batchnorm_%d", scope, i), "mean"),
					"missing batchnorm_%d in %s", i, scope)
			}
			shortcut := ctx.InspectVariable(scope+"/shortcut", "weights")
			if blockNum == 0 {
				require.NotNil(t, shortcut, "missing projection shortcut in %s", scope)
			} else {
				require.Nil(t, shortcut, "unexpected projection shortcut in %s", scope)
			}
		}
		// No extra block in the group.
		require.Nil(t, ctx.InspectVariable(
			fmt.Sprintf("/model/layer_%d_block_%d/conv_0", group, blocksPerGroup), "weights"))
	}
	require.NotNil(t, ctx.InspectVariable("/model/final_norm", "mean"))
	require.NotNil(t, ctx.InspectVariable("/model/logits/dense", "weights"))
	require.NotNil(t, ctx.InspectVariable("/model/logits/dense", "biases"))
}

// TestResidualBlockDownsampling checks the spatial halving happens exactly on
// strided blocks, and that identity blocks preserve shapes.
func TestResidualBlockDownsampling(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := Ones(g, shapes.Make(dtypes.Float32, 2, 8, 8, 16))
		c := New(ctx.In("model"), x, 10)
		strided := c.residualBlock(ctx.In("strided"), x, 32, 2, true)
		identity := c.residualBlock(ctx.In("identity"), x, 16, 1, false)
		widened := c.residualBlock(ctx.In("widened"), x, 32, 1, true)
		return []*Node{strided, identity, widened}
	})
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 4, 4, 32))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 2, 8, 8, 16))
	require.NoError(t, outputs[2].Shape().Check(dtypes.Float32, 2, 8, 8, 32))
}

// TestResidualBlockShortcutTap verifies the projection shortcut consumes the
// tensor after the first stage's batchnorm+activation, and not the raw block
// input: the block is rebuilt by hand with the same (reused) variables and
// both outputs must match exactly; a variant fed the raw input must not.
func TestResidualBlockShortcutTap(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := DivScalar(IotaFull(g, shapes.Make(dtypes.Float32, 2, 6, 6, 4)), 100)
		c := New(ctx.In("model"), x, 10)
		got := c.residualBlock(ctx.In("block"), x, 8, 2, true)

		// Hand-built reference, reusing the block's variables.
		ref := ctx.Reuse().In("block")
		bnConv := func(stage int, h *Node, stride int) *Node {
			h = batchnorm.New(ref.Inf("batchnorm_%d", stage), h, -1).CurrentScope().
				Momentum(0.99).Center(false).Scale(true).Done()
			h = activations.Relu(h)
			return layers.Convolution(ref.Inf("conv_%d", stage), h).CurrentScope().
				Channels(8).KernelSize(3).Strides(stride).PadSame().UseBias(false).Done()
		}
		shortcutConv := func(h *Node) *Node {
			return layers.Convolution(ref.In("shortcut"), h).CurrentScope().
				Channels(8).KernelSize(1).Strides(2).PadSame().UseBias(false).Done()
		}
		tap := activations.Relu(
			batchnorm.New(ref.In("batchnorm_0"), x, -1).CurrentScope().
				Momentum(0.99).Center(false).Scale(true).Done())
		main := bnConv(1, layers.Convolution(ref.In("conv_0"), tap).CurrentScope().
			Channels(8).KernelSize(3).Strides(2).PadSame().UseBias(false).Done(), 1)
		want := Add(main, shortcutConv(tap))

		// Wrong variant: shortcut fed from the raw block input.
		rawTap := Add(main, shortcutConv(x))

		return []*Node{
			ReduceAllMax(Abs(Sub(got, want))),
			ReduceAllMax(Abs(Sub(got, rawTap))),
		}
	})
	matchDiff := outputs[0].Value().(float32)
	rawDiff := outputs[1].Value().(float32)
	require.InDelta(t, 0.0, matchDiff, 1e-6)
	require.Greater(t, rawDiff, float32(1e-3))
}

// TestGlobalAveragePool checks the pooling used by Done: the mean over the
// spatial axes of a constant feature map is that constant, whatever the
// spatial size.
func TestGlobalAveragePool(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, spatial := range []int{4, 8, 32} {
		got := MustExecOnce(backend, func(g *Graph) *Node {
			x := MulScalar(Ones(g, shapes.Make(dtypes.Float32, 2, spatial, spatial, 3)), 3.14)
			return ReduceMean(x, 1, 2)
		})
		require.NoError(t, got.Shape().Check(dtypes.Float32, 2, 3))
		for _, row := range got.Value().([][]float32) {
			for _, v := range row {
				require.InDelta(t, 3.14, v, 1e-5)
			}
		}
	}
}
