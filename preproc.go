// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wideresnet

// This file implements the per-dataset input normalizations applied before
// the model graph. They are plain graph functions without variables, so they
// can be used both in training and inference graphs.

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// Per-channel statistics of the CIFAR training sets, used by Cifar10Normalize
// and Cifar100Normalize.
var (
	Cifar10Mean = []float32{0.4914, 0.4822, 0.4465}
	Cifar10Std  = []float32{0.2471, 0.2435, 0.2616}

	Cifar100Mean = []float32{0.5071, 0.4865, 0.4409}
	Cifar100Std  = []float32{0.2673, 0.2564, 0.2762}
)

// MnistNormalize prepares a batch of MNIST images for the model: it zero-pads
// the spatial axes by 2 on each side (28x28 → 32x32) and rescales the pixel
// values from [0, 1] to [-1, 1].
//
// The image batch must be shaped [batch_size, height, width, channels].
func MnistNormalize(image *Node) *Node {
	g := image.Graph()
	image.AssertRank(4)
	image = Pad(image, ScalarZero(g, image.DType()),
		PadAxis{},
		PadAxis{Start: 2, End: 2},
		PadAxis{Start: 2, End: 2},
		PadAxis{})
	return MulScalar(AddScalar(image, -0.5), 2)
}

// Cifar10Normalize standardizes a batch of CIFAR-10 images, shaped
// [batch_size, height, width, 3] with values in [0, 1], to zero mean and unit
// variance per channel, using the training-set statistics Cifar10Mean and
// Cifar10Std.
func Cifar10Normalize(image *Node) *Node {
	return perChannelStandardize(image, Cifar10Mean, Cifar10Std)
}

// Cifar100Normalize standardizes a batch of CIFAR-100 images, shaped
// [batch_size, height, width, 3] with values in [0, 1], to zero mean and unit
// variance per channel, using the training-set statistics Cifar100Mean and
// Cifar100Std.
func Cifar100Normalize(image *Node) *Node {
	return perChannelStandardize(image, Cifar100Mean, Cifar100Std)
}

// perChannelStandardize returns (image-mean[c])/stddev[c] for each channel c,
// with channels in the last axis.
func perChannelStandardize(image *Node, mean, stddev []float32) *Node {
	g := image.Graph()
	image.AssertRank(4)
	channelsAxis := image.Rank() - 1
	if image.Shape().Dimensions[channelsAxis] != len(mean) {
		Panicf("wideresnet: image must have %d channels in the last axis, got shape %s",
			len(mean), image.Shape())
	}

	// Shape constants as [1, 1, 1, channels] so they broadcast over the batch
	// and spatial axes.
	dims := xslices.SliceWithValue(image.Rank(), 1)
	dims[channelsAxis] = len(mean)
	means := Reshape(ConvertDType(Const(g, mean), image.DType()), dims...)
	stddevs := Reshape(ConvertDType(Const(g, stddev), image.DType()), dims...)
	return Div(Sub(image, means), stddevs)
}
