// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads and parses the CIFAR-10 and CIFAR-100 datasets
// (https://www.cs.toronto.edu/~kriz/cifar.html) into tensors, and builds
// in-memory datasets from them, used to train and evaluate the WideResNet
// models.
package cifar

import (
	"io"
	"os"
	"path"
	"reflect"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/wideresnet"
	"github.com/gomlx/wideresnet/downloader"
)

const (
	// NumExamples is the total number of examples, training plus test.
	// The value is the same for CIFAR-10 and CIFAR-100.
	NumExamples = 60000

	// NumTrainExamples is the number of examples reserved for training, the
	// starting ones. The remaining NumTestExamples are the test partition.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples reserved for testing.
	NumTestExamples = NumExamples - NumTrainExamples
)

// Width, Height and Depth are the image dimensions, the same for CIFAR-10 and
// CIFAR-100.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const imageSizeBytes = Height * Width * Depth

// Source refers to CIFAR-10 (Cifar10) or CIFAR-100 (Cifar100).
type Source int

const (
	Cifar10 Source = iota
	Cifar100
)

// Partition refers to the train or test examples of a Source.
type Partition int

const (
	Train Partition = iota
	Test
)

// sourceInfo describes the published binary layout of one Source: where to
// download it from and how its records are framed. Each record is labelBytes
// of labels followed by imageSizeBytes of pixels; the label used is the last
// label byte (CIFAR-100 stores coarse then fine label).
type sourceInfo struct {
	name       string
	url        string
	tarName    string
	subDir     string
	sha256     string
	dataFiles  []string
	labelBytes int
	numClasses int
}

var sourceInfos = [2]sourceInfo{
	{
		name:    "cifar10",
		url:     "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz",
		tarName: "cifar-10-binary.tar.gz",
		subDir:  "cifar-10-batches-bin",
		sha256:  "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd",
		dataFiles: []string{
			"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin",
			"data_batch_4.bin", "data_batch_5.bin", "test_batch.bin"},
		labelBytes: 1,
		numClasses: 10,
	},
	{
		name:       "cifar100",
		url:        "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz",
		tarName:    "cifar-100-binary.tar.gz",
		subDir:     "cifar-100-binary",
		sha256:     "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec",
		dataFiles:  []string{"train.bin", "test.bin"},
		labelBytes: 2,
		numClasses: 100,
	},
}

func (s Source) info() sourceInfo {
	if s < Cifar10 || s > Cifar100 {
		Panicf("invalid cifar.Source %d, only Cifar10 or Cifar100 accepted", s)
	}
	return sourceInfos[s]
}

// String implements fmt.Stringer.
func (s Source) String() string { return s.info().name }

// NumClasses of the source: 10 or 100.
func (s Source) NumClasses() int { return s.info().numClasses }

// Labels returns the class names of the source, indexed by label value.
// For CIFAR-100 these are the fine labels.
func (s Source) Labels() []string {
	if s == Cifar10 {
		return C10Labels
	}
	return C100FineLabels
}

// Normalize standardizes a batch of images of this source per channel, using
// the training-set statistics. See wideresnet.Cifar10Normalize.
func (s Source) Normalize(image *Node) *Node {
	if s == Cifar10 {
		return wideresnet.Cifar10Normalize(image)
	}
	return wideresnet.Cifar100Normalize(image)
}

// Download the source's archive under baseDir and unpack it, if not yet done.
func (s Source) Download(baseDir string) error {
	info := s.info()
	return downloader.DownloadAndUntarIfMissing(info.url, baseDir, info.tarName, info.subDir, info.sha256)
}

var (
	C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

	C100FineLabels = []string{"apple", "aquarium_fish", "baby", "bear", "beaver", "bed", "bee", "beetle", "bicycle",
		"bottle", "bowl", "boy", "bridge", "bus", "butterfly", "camel", "can", "castle", "caterpillar", "cattle",
		"chair", "chimpanzee", "clock", "cloud", "cockroach", "couch", "crab", "crocodile", "cup", "dinosaur",
		"dolphin", "elephant", "flatfish", "forest", "fox", "girl", "hamster", "house", "kangaroo", "keyboard", "lamp",
		"lawn_mower", "leopard", "lion", "lizard", "lobster", "man", "maple_tree", "motorcycle", "mountain", "mouse",
		"mushroom", "oak_tree", "orange", "orchid", "otter", "palm_tree", "pear", "pickup_truck", "pine_tree", "plain",
		"plate", "poppy", "porcupine", "possum", "rabbit", "raccoon", "ray", "road", "rocket", "rose", "sea", "seal",
		"shark", "shrew", "skunk", "skyscraper", "snail", "snake", "spider", "squirrel", "streetcar", "sunflower",
		"sweet_pepper", "table", "tank", "telephone", "television", "tiger", "tractor", "train", "trout", "tulip",
		"turtle", "wardrobe", "whale", "willow_tree", "wolf", "woman", "worm"}
)

// convertRecordToTensor writes one record's pixels into position exampleNum
// of imagesT, transposing from the file's channel-major layout to
// channels-last and scaling bytes to [0, 1].
func convertRecordToTensor[T dtypes.GoFloat](record []byte, imagesT *tensors.Tensor, exampleNum int) error {
	var t T
	if dtypes.FromGoType(reflect.TypeOf(t)) != imagesT.DType() {
		return errors.Errorf("trying to convert to dtype %s from go type %T", imagesT.DType(), t)
	}
	tensors.MustMutableFlatData[T](imagesT, func(tensorData []T) {
		tensorPos := exampleNum * imageSizeBytes
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				for d := 0; d < Depth; d++ {
					tensorData[tensorPos] = T(record[d*(Height*Width)+h*Width+w]) / T(255)
					tensorPos++
				}
			}
		}
	})
	return nil
}

// Load reads the source's binary files under baseDir into two tensors --
// images shaped [NumExamples, Height, Width, Depth] of the given dtype and
// labels shaped [NumExamples, 1] of Int64 -- and splits them into the train
// and test partitions. The first NumTrainExamples examples are the training
// ones. Only Float32 and Float64 dtypes are supported.
//
// Most users will want NewDataset instead, which downloads, caches and wraps
// the partitions into datasets.
func Load(backend backends.Backend, baseDir string, source Source, dtype dtypes.DType) PartitionedImagesAndLabels {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	info := source.info()

	images := tensors.FromShape(shapes.Make(dtype, NumExamples, Height, Width, Depth))
	labels := tensors.FromShape(shapes.Make(dtypes.Int64, NumExamples, 1))
	defer func() {
		// Free the host copies in the accelerator immediately (don't wait for GC).
		images.MustFinalizeAll()
		labels.MustFinalizeAll()
	}()

	recordBytes := info.labelBytes + imageSizeBytes
	record := make([]byte, recordBytes)
	tensors.MustMutableFlatData[int64](labels, func(labelsData []int64) {
		exampleIdx := 0
		for _, fileName := range info.dataFiles {
			dataFile := path.Join(baseDir, info.subDir, fileName)
			f, err := os.Open(dataFile)
			if err != nil {
				panic(errors.Wrapf(err, "opening data file %q", dataFile))
			}
			for inFileIdx := 0; ; inFileIdx++ {
				bytesRead, err := io.ReadFull(f, record)
				if bytesRead == 0 && err == io.EOF {
					break
				}
				if err != nil {
					panic(errors.Wrapf(err, "reading example %d from %q", inFileIdx, dataFile))
				}
				if exampleIdx >= NumExamples {
					Panicf("%s: more than the expected %d examples in data files", source, NumExamples)
				}
				switch dtype {
				case dtypes.Float64:
					err = convertRecordToTensor[float64](record[info.labelBytes:], images, exampleIdx)
				case dtypes.Float32:
					err = convertRecordToTensor[float32](record[info.labelBytes:], images, exampleIdx)
				default:
					Panicf("DType %s not supported", dtype)
				}
				if err != nil {
					panic(errors.WithMessagef(err, "failed converting bytes to tensor of %s", dtype))
				}
				// The last label byte is the (fine) label.
				labelsData[exampleIdx] = int64(record[info.labelBytes-1])
				exampleIdx++
			}
			_ = f.Close()
		}
		if exampleIdx != NumExamples {
			Panicf("%s: got %d examples in data files, expected %d", source, exampleIdx, NumExamples)
		}
	})
	return partitionImagesAndLabels(backend, images, labels)
}

// ImagesAndLabels of one partition of a source.
type ImagesAndLabels struct {
	Images, Labels *tensors.Tensor
}

// PartitionedImagesAndLabels holds the images and labels of each partition
// (Train, Test) of a source.
type PartitionedImagesAndLabels [2]ImagesAndLabels

// partitionImagesAndLabels splits the loaded tensors into the train and test
// partitions, on-device.
func partitionImagesAndLabels(backend backends.Backend, images, labels *tensors.Tensor) (partitioned PartitionedImagesAndLabels) {
	parts := MustExecOnceN(backend, func(images, labels *Node) []*Node {
		return []*Node{
			Slice(images, AxisRange(0, NumTrainExamples)),
			Slice(labels, AxisRange(0, NumTrainExamples)),
			Slice(images, AxisRange(NumTrainExamples)),
			Slice(labels, AxisRange(NumTrainExamples)),
		}
	}, images, labels)
	partitioned[Train] = ImagesAndLabels{Images: parts[0], Labels: parts[1]}
	partitioned[Test] = ImagesAndLabels{Images: parts[2], Labels: parts[3]}
	return
}

// Cache of loaded data: one map per Source, keyed by DType.
var imagesAndLabelsCache = [2]map[dtypes.DType]PartitionedImagesAndLabels{
	make(map[dtypes.DType]PartitionedImagesAndLabels),
	make(map[dtypes.DType]PartitionedImagesAndLabels),
}

// ResetCache drops the cached loaded tensors, forcing the next NewDataset to
// re-read the data files.
func ResetCache() {
	for s := range imagesAndLabelsCache {
		imagesAndLabelsCache[s] = make(map[dtypes.DType]PartitionedImagesAndLabels)
	}
}

// NewDataset returns a dataset over one partition of a source, which
// implements train.Dataset and hence can be used by train.Trainer methods.
//
// It automatically downloads the data from the web and loads it into memory
// if that hasn't happened yet. The loaded tensors are cached, so multiple
// datasets can be created without extra cost in time or memory.
func NewDataset(
	backend backends.Backend,
	name, baseDir string,
	source Source,
	dtype dtypes.DType,
	partition Partition,
) *datasets.InMemoryDataset {
	partitioned, found := imagesAndLabelsCache[source][dtype]
	if !found {
		if err := source.Download(baseDir); err != nil {
			panic(errors.WithMessagef(err, "downloading %s to %q", source, baseDir))
		}
		partitioned = Load(backend, baseDir, source, dtype)
		imagesAndLabelsCache[source][dtype] = partitioned
	}
	imagesAndLabels := partitioned[partition]
	ds, err := datasets.InMemoryFromData(backend, name,
		[]any{imagesAndLabels.Images}, []any{imagesAndLabels.Labels})
	if err != nil {
		panic(errors.WithMessagef(err, "creating %s dataset %q", source, name))
	}
	return ds
}
