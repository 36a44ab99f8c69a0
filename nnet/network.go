// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/pypeit/spit/num"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers     []Layer
	queue      num.Queue
	classes    num.Array
	batchLoss  num.Array
	inputGrad  num.Array
	inShape    []int
	optimizers []Optimizer
	step       int
}

// New function creates a new network with the given layers.
// inShape is the shape of one input sample, e.g. [height, width, channels].
func New(q num.Queue, conf Config, batchSize int, inShape []int) (*Network, error) {
	n := &Network{Config: conf, queue: q}
	if conf.FlattenInput {
		n.inShape = []int{num.Prod(inShape), batchSize}
	} else {
		n.inShape = append(append([]int{}, inShape...), batchSize)
	}
	if len(conf.Layers) == 0 {
		return nil, fmt.Errorf("network has no layers")
	}
	shape := n.inShape
	var prev Layer
	for i, l := range conf.Layers {
		layer, err := l.Unmarshal()
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if err = checkShape(layer, shape); err != nil {
			return nil, fmt.Errorf("layer %d %s: %w", i, layer.ToString(), err)
		}
		layer.Init(q, shape, prev)
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape(shape)
		prev = layer
	}
	if _, ok := prev.(OutputLayer); !ok {
		return nil, fmt.Errorf("last layer must be an output layer: got %s", prev.ToString())
	}
	n.classes = q.NewArray(num.Int32, batchSize)
	n.batchLoss = q.NewArray(num.Float32)
	n.inputGrad = q.NewArray(num.Float32, shape...)
	if err := n.resetOptimizer(); err != nil {
		n.Release()
		return nil, err
	}
	return n, nil
}

// check layer can be constructed with the given input shape
func checkShape(layer Layer, shape []int) error {
	switch l := layer.(type) {
	case *conv, *pool, *flatten:
		if len(shape) != 4 {
			return fmt.Errorf("expect 4 dimensional input: got %v", shape)
		}
		out := l.OutShape(shape)
		if out[0] < 1 || out[1] < 1 {
			return fmt.Errorf("input %v too small", shape)
		}
	case *linear, *logRegression:
		if len(shape) != 2 {
			return fmt.Errorf("expect 2 dimensional input: got %v - missing flatten?", shape)
		}
	}
	return nil
}

// Queue used to execute the network operations
func (n *Network) Queue() num.Queue { return n.queue }

// Shape of the input array including the batch dimension
func (n *Network) InShape() []int { return n.inShape }

// Number of samples in each batch
func (n *Network) BatchSize() int { return n.inShape[len(n.inShape)-1] }

// Number of output classes
func (n *Network) Outputs() int { return n.inputGrad.Dims()[0] }

// Release allocated arrays
func (n *Network) Release() {
	for _, layer := range n.Layers {
		layer.Release()
	}
	for _, opt := range n.optimizers {
		opt.Release()
	}
	num.Release(n.classes, n.batchLoss, n.inputGrad)
}

// Initialise network weights using a linear or normal distribution.
// Weights for each layer are scaled by 1/sqrt(nin)
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, _ := l.Params()
			nin := W.Dims()[0]
			scale := float32(1 / math.Sqrt(float64(nin)))
			l.InitParams(scale, float32(n.Bias), n.NormalWeights, rng)
		}
	}
	// optimizer type was checked in New
	n.resetOptimizer()
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Copy weights and bias arrays to destination net
func (n *Network) CopyTo(net *Network) {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			net.Layers[i].(ParamLayer).SetParams(W, B)
		}
	}
	net.queue.Finish()
}

// Accessor for output layer
func (n *Network) OutLayer() OutputLayer {
	return n.Layers[len(n.Layers)-1].(OutputLayer)
}

// Feed forward the input to get the predicted output
func (n *Network) Fprop(input num.Array) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 && pred != nil {
			fmt.Printf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred)
	}
	return pred
}

// Predict output given input data, classes is set to the index of the most probable class.
func (n *Network) Predict(input, classes num.Array) num.Array {
	yPred := n.Fprop(input)
	if n.DebugLevel >= 2 {
		fmt.Printf("yPred\n%s", yPred.String(n.queue))
	}
	n.queue.Call(num.Unhot(yPred, classes))
	return yPred
}

// Evaluate returns the mean loss and the fraction of correctly classified samples.
// If pred slice is not nil then it is filled with the predicted class for each sample.
func (n *Network) Evaluate(dset *Dataset, pred []int32) (loss, accuracy float64) {
	q := n.queue
	if dset.BatchSize != n.BatchSize() {
		panic(fmt.Sprintf("Evaluate: dataset batch size %d does not match network %d", dset.BatchSize, n.BatchSize()))
	}
	nclass := len(dset.Classes())
	classes := make([]int32, dset.BatchSize)
	yPred := make([]float32, nclass*dset.BatchSize)
	total := make([]float32, 1)
	var sumLoss float64
	correct := 0
	dset.Rewind()
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, yOneHot, valid := dset.NextBatch()
		out := n.Predict(x, n.classes)
		losses := n.OutLayer().Loss(yOneHot, out)
		labels := make([]int32, dset.BatchSize)
		q.Call(
			num.Sum(losses, n.batchLoss, 1),
			num.Read(n.batchLoss, total),
			num.Read(n.classes, classes),
			num.Read(y, labels),
			num.Read(out, yPred),
		).Finish()
		sumLoss += float64(total[0])
		for i := 0; i < valid; i++ {
			if classes[i] == labels[i] {
				correct++
			}
		}
		if pred != nil {
			start := batch * dset.BatchSize
			copy(pred[start:start+valid], classes[:valid])
		}
		if n.DebugLevel >= 2 || (n.DebugLevel >= 1 && batch == 0) {
			fmt.Printf("batch %d labels=%v pred=%v\n", batch, labels[:valid], classes[:valid])
		}
	}
	if dset.Samples == 0 {
		return 0, 0
	}
	return sumLoss / float64(dset.Samples), float64(correct) / float64(dset.Samples)
}

// Calculate the error from the predicted versus actual values
// if pred slice is not nil then also return the predicted output classes.
func (n *Network) Error(dset *Dataset, pred []int32) float64 {
	_, acc := n.Evaluate(dset, pred)
	return 1 - acc
}

// PredictBatch runs the given input samples through the network, padding the final batch as needed.
// It returns the output probabilities for each sample.
func (n *Network) PredictBatch(samples [][]float32) ([][]float32, error) {
	q := n.queue
	batchSize := n.BatchSize()
	nfeat := num.Prod(n.inShape[:len(n.inShape)-1])
	input := q.NewArray(num.Float32, n.inShape...)
	defer input.Release()
	buf := make([]float32, nfeat*batchSize)
	var res [][]float32
	for start := 0; start < len(samples); start += batchSize {
		end := min(start+batchSize, len(samples))
		for i := range buf {
			buf[i] = 0
		}
		for i, s := range samples[start:end] {
			if len(s) != nfeat {
				return nil, fmt.Errorf("sample %d has %d values, expecting %d", start+i, len(s), nfeat)
			}
			copy(buf[i*nfeat:], s)
		}
		q.Call(num.Write(input, buf))
		yPred := n.Predict(input, n.classes)
		nout := yPred.Dims()[0]
		out := make([]float32, nout*batchSize)
		q.Call(num.Read(yPred, out)).Finish()
		for i := 0; i < end-start; i++ {
			res = append(res, out[i*nout:(i+1)*nout])
		}
	}
	return res, nil
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := n.inShape
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), shape)
		shape = layer.OutShape(shape)
	}
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config.configString(), strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights() {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			fmt.Printf("== Layer %d weights ==\n%s %s\n", i, W.String(n.queue), B.String(n.queue))
		}
	}
}

// NewRand returns a random number generator with the given seed, or a time based seed if seed <= 0
func NewRand(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}
