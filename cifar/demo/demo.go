// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// demo trains a WideResNet on CIFAR-10 or CIFAR-100.
//
// The architecture (depth, width, activation) and the training hyperparameters
// are all settable with --set, e.g.:
//
//	go run . --dataset=cifar100 --checkpoint=wrn-16-4 --set="wrn_depth=16;wrn_width=4;train_steps=20000"
package main

import (
	"flag"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	"github.com/gomlx/wideresnet/cifar"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir   = flag.String("data", "~/work/cifar", "Directory to cache downloaded and generated dataset files.")
	flagDataset   = flag.String("dataset", "cifar10", "Dataset to train on: \"cifar10\" or \"cifar100\".")
	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	// Checkpointing.
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
)

func createDefaultContext() *context.Context {
	return cifar.CreateDefaultContext()
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))

	var source cifar.Source
	switch *flagDataset {
	case "cifar10":
		source = cifar.Cifar10
	case "cifar100":
		source = cifar.Cifar100
	default:
		klog.Fatalf("Unknown --dataset=%q, only \"cifar10\" and \"cifar100\" are supported.", *flagDataset)
	}

	err := exceptions.TryCatch[error](func() {
		cifar.TrainModel(ctx, source, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
