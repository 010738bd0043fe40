// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a trained WideResNet checkpoint for inference.
// It loads a pre-trained model and offers a Classify method that classifies
// 32x32 images into the dataset's classes.
//
// To use it, create a Classifier with New(), and then simply call its Classify
// method. This is an example of how to serve a model for inference.
package classifier

import (
	"image"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/wideresnet/cifar"
)

// Classifier holds a compiled WideResNet model loaded from a checkpoint.
// It will use XLA with GPU if available or CPU by default. But the backend can
// be configured with GOMLX_BACKEND.
type Classifier struct {
	// backend is created with defaults, which uses GOMLX_BACKEND if it is set.
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// source the model was trained on, defines the class labels.
	source cifar.Source

	// exec is used to execute the model with a context.
	exec *context.Exec
}

// New creates a Classifier from the checkpoint in checkpointDir, for a model
// trained on the given source (cifar.Cifar10 or cifar.Cifar100).
func New(checkpointDir string, source cifar.Source) (*Classifier, error) {
	c := &Classifier{
		backend: backends.MustNew(),
		ctx:     context.New(),
		source:  source,
	}

	// All hyperparameters (depth, width, activation) are read back from the
	// checkpoint, so the exact same model is built.
	// We don't need to keep the checkpoint handler around, since we are not going to use it to save.
	_, err := checkpoints.Load(c.ctx).
		Dir(checkpointDir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading %s model from %q", source, checkpointDir)
	}
	c.ctx = c.ctx.Reuse() // Mark it to reuse variables: it will be an error to create a new variable -- for extra sanity checking.

	modelFn := source.ModelGraph()

	// Create model executor.
	c.exec = context.MustNewExec(c.backend, c.ctx.In("model"), func(ctx *context.Context, image *graph.Node) (choice *graph.Node) {
		// We take the first result from the modelFn -- it returns a slice.
		image = graph.ExpandAxes(image, 0) // Create a batch dimension of size 1.
		logits := modelFn(ctx, nil, []*graph.Node{image})[0]
		// Take the class with highest logit value.
		choice = graph.ArgMax(logits, -1, dtypes.Int32)
		// Remove batch dimension.
		choice = graph.Reshape(choice) // No dimensions given, means a scalar.
		return
	})
	return c, nil
}

// Classify takes a 32x32 image and returns the class the model assigns to it.
// The returned class is an index into Labels().
func (c *Classifier) Classify(img image.Image) (int32, error) {
	bounds := img.Bounds()
	if bounds.Dx() != cifar.Width || bounds.Dy() != cifar.Height {
		return 0, errors.Errorf("image must be %dx%d, got %dx%d",
			cifar.Width, cifar.Height, bounds.Dx(), bounds.Dy())
	}
	input := images.ToTensor(dtypes.Float32).Single(img)
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = c.exec.MustExec(input) })
	if err != nil {
		return 0, err
	}
	classID := tensors.ToScalar[int32](outputs[0]) // Convert tensor to Go value.
	return classID, nil
}

// Labels returns the class names of the model's dataset, indexed by the class
// returned by Classify.
func (c *Classifier) Labels() []string {
	return c.source.Labels()
}
