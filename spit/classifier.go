package spit

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/pypeit/spit/img"
	"github.com/pypeit/spit/nnet"
	"github.com/pypeit/spit/num"
)

// BestModel is the file name of the best model saved by CompareWithBest
const BestModel = "best_model.net"

var (
	ErrNoBestModel  = errors.New("no best model")
	ErrFrameCount   = errors.New("expecting 4 frames")
	ErrUnknownLabel = errors.New("unknown label")
)

// Options for training and running the classifier
type Options struct {
	BatchSize int
	MaxEpoch  int
	StopAfter int
	Threads   int
	RandSeed  int64
	Profile   bool
}

func DefaultOptions() Options {
	return Options{BatchSize: 32, MaxEpoch: 20, StopAfter: 0}
}

// Classifier holds the network model and the label and preprocessing settings.
type Classifier struct {
	Labels   LabelDict
	Preproc  img.PreprocDict
	Classify ClassifyDict
	Classes  []string
	Model    *nnet.Network
	OnEpoch  func(nnet.Stats) // called after each training epoch
	log      logs.Log
	queue    num.Queue
	opts     Options
}

// New creates a classifier with the SPIT network topology and initialised weights.
func New(log logs.Log, labels LabelDict, preproc img.PreprocDict, classify ClassifyDict, opts Options) (*Classifier, error) {
	c := &Classifier{
		Labels:   labels.Copy(),
		Preproc:  preproc,
		Classify: classify.Copy(),
		log:      log,
		opts:     opts,
	}
	if c.opts.BatchSize <= 0 {
		c.opts.BatchSize = DefaultOptions().BatchSize
	}
	if c.opts.MaxEpoch <= 0 {
		c.opts.MaxEpoch = DefaultOptions().MaxEpoch
	}
	var err error
	if c.Classes, err = c.Labels.Classes(); err != nil {
		return nil, err
	}
	c.queue = num.NewCPUDevice().NewQueue(opts.Threads)
	c.queue.Profiling(opts.Profile)
	conf := ModelConfig(len(c.Classes), c.opts)
	if c.Model, err = nnet.New(c.queue, conf, c.opts.BatchSize, preproc.Shape()); err != nil {
		return nil, fmt.Errorf("building model: %w", err)
	}
	c.Model.InitWeights(nnet.NewRand(opts.RandSeed))
	log.Debugf("%s", c.Model)
	return c, nil
}

// ModelConfig returns the network definition:
// two convolution and max pooling blocks, a dense relu layer and a softmax output layer trained with adam.
func ModelConfig(nclass int, opts Options) nnet.Config {
	return nnet.Config{
		DataSet:    "spit",
		Optimizer:  "adam",
		Eta:        0.001,
		Beta1:      0.9,
		Beta2:      0.999,
		Epsilon:    1e-7,
		Shuffle:    true,
		TrainBatch: opts.BatchSize,
		TestBatch:  opts.BatchSize,
		MaxEpoch:   opts.MaxEpoch,
		StopAfter:  opts.StopAfter,
		LogEvery:   1,
		RandSeed:   opts.RandSeed,
		Threads:    opts.Threads,
	}.AddLayers(
		nnet.Conv{Nfeats: 36, Size: 5, Stride: 1},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2, Stride: 2},
		nnet.Conv{Nfeats: 64, Size: 5, Stride: 1},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2, Stride: 2},
		nnet.Flatten{},
		nnet.Linear{Nout: 128},
		nnet.Activation{Atype: "relu"},
		nnet.Linear{Nout: nclass},
		nnet.LogRegression{},
	)
}

// Release the model and worker queue
func (c *Classifier) Release() {
	if c.Model != nil {
		c.Model.Release()
	}
	c.queue.Shutdown()
}

// Profile returns the timings for the network functions if profiling is enabled
func (c *Classifier) Profile() string {
	return c.queue.Profile()
}

// ToCategorical converts labels to one hot vectors of length numClasses.
func ToCategorical(labels []int32, numClasses int) ([][]float32, error) {
	res := make([][]float32, len(labels))
	for i, label := range labels {
		if label < 0 || int(label) >= numClasses {
			return nil, fmt.Errorf("label %d at index %d: %w", label, i, ErrUnknownLabel)
		}
		res[i] = make([]float32, numClasses)
		res[i][label] = 1
	}
	return res, nil
}

// NewData builds a labelled data set from preprocessed images
func (c *Classifier) NewData(images []*img.GrayImage, labels []int32) (*img.Data, error) {
	if _, err := ToCategorical(labels, len(c.Classes)); err != nil {
		return nil, err
	}
	return img.NewData(c.Classes, labels, images)
}

// Evaluate returns the mean loss and accuracy of the model on the test images.
// If model is nil then the classifier's own model is used.
func (c *Classifier) Evaluate(testImages []*img.GrayImage, testLabels []int32, model *nnet.Network) (loss, acc float64, err error) {
	if model == nil {
		model = c.Model
	}
	data, err := c.NewData(testImages, testLabels)
	if err != nil {
		return 0, 0, err
	}
	return c.evaluate(data, model)
}

func (c *Classifier) evaluate(data nnet.Data, model *nnet.Network) (loss, acc float64, err error) {
	if !num.SameShape(data.Shape(), model.SampleShape()) {
		return 0, 0, fmt.Errorf("image shape %v does not match model input %v: %w", data.Shape(), model.SampleShape(), nnet.ErrShapeMismatch)
	}
	if model.Outputs() != len(data.Classes()) {
		return 0, 0, fmt.Errorf("%d classes does not match model output %d: %w", len(data.Classes()), model.Outputs(), nnet.ErrShapeMismatch)
	}
	dset := nnet.NewDataset(c.queue.Dev(), data, model.BatchSize(), 0, model.FlattenInput, nnet.NewRand(1))
	defer dset.Release()
	loss, acc = model.Evaluate(dset, nil)
	c.log.Debugf("evaluate %d images: loss=%.4f accuracy=%.4f", data.Len(), loss, acc)
	return loss, acc, nil
}

// SaveModel writes the model to filePath/fileName
func (c *Classifier) SaveModel(model *nnet.Network, fileName, filePath string) error {
	path := filepath.Join(filePath, fileName)
	if err := nnet.SaveModel(model, path); err != nil {
		return fmt.Errorf("saving model to %s: %w", path, err)
	}
	c.log.Infof("saved model to %s", path)
	return nil
}

// LoadModel reads the model saved at filePath/fileName
func (c *Classifier) LoadModel(fileName, filePath string) (*nnet.Network, error) {
	return nnet.LoadModel(c.queue, filepath.Join(filePath, fileName), c.opts.BatchSize)
}

// UseModel replaces the classifier model with one loaded from filePath/fileName.
// The layers and weights come from the file, the training settings from the classifier options.
func (c *Classifier) UseModel(fileName, filePath string) error {
	saved, err := nnet.ReadModel(filepath.Join(filePath, fileName))
	if err != nil {
		return err
	}
	conf := ModelConfig(len(c.Classes), c.opts)
	conf.Layers = saved.Conf.Layers
	saved.Conf = conf
	model, err := saved.Build(c.queue, c.opts.BatchSize)
	if err != nil {
		return err
	}
	if !num.SameShape(model.SampleShape(), c.Preproc.Shape()) {
		model.Release()
		return fmt.Errorf("model input %v does not match preprocessing %v: %w", model.SampleShape(), c.Preproc.Shape(), nnet.ErrShapeMismatch)
	}
	if model.Outputs() != len(c.Classes) {
		model.Release()
		return fmt.Errorf("model output %d does not match %d classes: %w", model.Outputs(), len(c.Classes), nnet.ErrShapeMismatch)
	}
	c.Model.Release()
	c.Model = model
	return nil
}

// CompareWithBest evaluates the current model against the best model saved in filePath.
// The current model is saved as the new best if there is no best model or if its accuracy is higher.
// Returns true if the best model was replaced.
func (c *Classifier) CompareWithBest(testImages []*img.GrayImage, testLabels []int32, filePath string) (bool, error) {
	best, err := c.LoadModel(BestModel, filePath)
	if err != nil {
		c.log.Infof("%v: %v", ErrNoBestModel, err)
		return true, c.SaveModel(c.Model, BestModel, filePath)
	}
	defer best.Release()
	data, err := c.NewData(testImages, testLabels)
	if err != nil {
		return false, err
	}
	_, accSelf, err := c.evaluate(data, c.Model)
	if err != nil {
		return false, err
	}
	_, accBest, err := c.evaluate(data, best)
	if err != nil {
		c.log.Warnf("best model cannot be evaluated: %v", err)
		accBest = -1
	}
	c.log.Infof("accuracy: current=%.4f best=%.4f", accSelf, accBest)
	if accSelf > accBest {
		return true, c.SaveModel(c.Model, BestModel, filePath)
	}
	return false, nil
}

// Train the model using the training set, stats are reported for the training and validation sets after each epoch.
// Training stops early if the stop channel is closed.
func (c *Classifier) Train(train, valid *img.Data, stop <-chan struct{}) ([]nnet.Stats, error) {
	if !num.SameShape(train.Shape(), c.Model.SampleShape()) {
		return nil, fmt.Errorf("training image shape %v does not match model input %v: %w", train.Shape(), c.Model.SampleShape(), nnet.ErrShapeMismatch)
	}
	data := map[string]nnet.Data{"train": train}
	if valid != nil {
		data["valid"] = valid
	}
	rng := nnet.NewRand(c.opts.RandSeed)
	test, err := nnet.NewTestLogger(c.log, c.queue, c.Model.Config, data, nnet.NewRand(c.opts.RandSeed+1))
	if err != nil {
		return nil, err
	}
	dset := nnet.NewDataset(c.queue.Dev(), train, c.Model.BatchSize(), 0, c.Model.FlattenInput, rng)
	defer dset.Release()
	c.log.Infof("training on %d images with batch size %d", dset.Samples, dset.BatchSize)
	defer test.Release()
	var tester nnet.Tester = test
	if c.OnEpoch != nil {
		tester = epochHook{TestLogger: test, fn: c.OnEpoch}
	}
	nnet.Train(c.Model, dset, tester, stop)
	return test.Stats, nil
}

type epochHook struct {
	*nnet.TestLogger
	fn func(nnet.Stats)
}

func (h epochHook) Test(net *nnet.Network, epoch int, loss float64, start time.Time) bool {
	done := h.TestLogger.Test(net, epoch, loss, start)
	h.fn(h.Stats[len(h.Stats)-1])
	return done
}
