// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceMetadata(t *testing.T) {
	assert.Equal(t, "cifar10", Cifar10.String())
	assert.Equal(t, "cifar100", Cifar100.String())
	assert.Equal(t, 10, Cifar10.NumClasses())
	assert.Equal(t, 100, Cifar100.NumClasses())
	assert.Len(t, Cifar10.Labels(), Cifar10.NumClasses())
	assert.Len(t, Cifar100.Labels(), Cifar100.NumClasses())
	require.Panics(t, func() { _ = Source(2).NumClasses() })
}

// TestConvertRecordToTensor checks the transpose from the files' channel-major
// pixels to the tensors' channels-last layout, and the scaling to [0, 1].
func TestConvertRecordToTensor(t *testing.T) {
	// One record with a recognizable pattern: channel c of pixel (h, w) holds
	// byte value h+2*w+10*c.
	record := make([]byte, imageSizeBytes)
	for c := range Depth {
		for h := range Height {
			for w := range Width {
				record[c*(Height*Width)+h*Width+w] = byte(h + 2*w + 10*c)
			}
		}
	}

	imagesT := tensors.FromShape(shapes.Make(dtypes.Float32, 2, Height, Width, Depth))
	require.NoError(t, convertRecordToTensor[float32](record, imagesT, 1))

	images := imagesT.Value().([][][][]float32)
	for _, pos := range []struct{ h, w, c int }{
		{0, 0, 0}, {1, 0, 0}, {0, 1, 2}, {31, 31, 1}, {17, 5, 2},
	} {
		want := float32(pos.h+2*pos.w+10*pos.c) / 255
		assert.Equal(t, want, images[1][pos.h][pos.w][pos.c],
			"pixel (%d, %d) channel %d", pos.h, pos.w, pos.c)
	}
	// Example 0 was not written to.
	assert.Equal(t, float32(0), images[0][10][10][0])

	// DType mismatch is reported.
	require.Error(t, convertRecordToTensor[float64](record, imagesT, 0))
}

func TestSourceBinaryLayout(t *testing.T) {
	// The record framing must match the published binary layout: CIFAR-10
	// records carry 1 label byte, CIFAR-100 carries coarse and fine labels.
	assert.Equal(t, 1, Cifar10.info().labelBytes)
	assert.Equal(t, 2, Cifar100.info().labelBytes)
	assert.Equal(t, 3072, imageSizeBytes)
	assert.Len(t, Cifar10.info().dataFiles, 6)
	assert.Len(t, Cifar100.info().dataFiles, 2)
}
