package nnet

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/pypeit/spit/num"
	"github.com/pypeit/spit/stats"
)

// number of epochs used for the moving average of the validation error
const emaEpochs = 10

// Training statistics
type Stats struct {
	Epoch     int
	Values    []float64
	BestSince int
	Elapsed   time.Duration
}

func StatsHeaders(d map[string]Data) []string {
	h := []string{"loss"}
	for _, key := range DataTypes {
		if _, ok := d[key]; ok {
			h = append(h, key+" error")
			if key == "valid" {
				h = append(h, "valid avg")
			}
		}
	}
	return h
}

func (s Stats) Format() []string {
	str := []string{fmt.Sprintf("%7.4f", s.Values[0])}
	for _, v := range s.Values[1:] {
		str = append(str, fmt.Sprintf("%6.2f%%", v*100))
	}
	return str
}

// Tester interface to evaluate the performance after each epoch, Test method returns true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, loss float64, start time.Time) bool
}

// Tester which evaluates the loss and error for each of the data sets and updates the stats.
type TestBase struct {
	Net     *Network
	Data    map[string]*Dataset
	Stats   []Stats
	Headers []string
}

// Create a new base class which implements the Tester interface.
func NewTestBase() *TestBase {
	return &TestBase{Stats: []Stats{}}
}

// Initialise the test datasets and a network with the test batch size to evaluate them.
func (t *TestBase) Init(queue num.Queue, conf Config, data map[string]Data, rng *rand.Rand) (*TestBase, error) {
	t.Release()
	t.Data = make(map[string]*Dataset)
	t.Headers = StatsHeaders(data)
	train, ok := data["train"]
	if !ok {
		return nil, fmt.Errorf("no training data")
	}
	// all sets share the one test network so must have the same batch size
	batchSize := conf.TestBatch
	if batchSize <= 0 {
		for _, d := range data {
			batchSize = max(batchSize, d.Len())
		}
		if conf.MaxSamples > 0 {
			batchSize = min(batchSize, conf.MaxSamples)
		}
	}
	for key, d := range data {
		t.Data[key] = NewDataset(queue.Dev(), d, batchSize, conf.MaxSamples, conf.FlattenInput, rng)
	}
	var err error
	t.Net, err = New(queue, conf, batchSize, train.Shape())
	return t, err
}

// Release the test network and datasets
func (t *TestBase) Release() {
	if t.Net != nil {
		t.Net.Release()
		t.Net = nil
	}
	for _, dset := range t.Data {
		dset.Release()
	}
}

// Test performance of the network, called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	net.CopyTo(t.Net)
	s := Stats{Epoch: epoch, Values: []float64{loss}, BestSince: -1}
	for _, key := range DataTypes {
		dset, ok := t.Data[key]
		if !ok {
			continue
		}
		if dset.Samples < dset.Len() {
			dset.Shuffle()
		}
		errVal := t.Net.Error(dset, nil)
		s.Values = append(s.Values, errVal)
		if key == "valid" {
			// moving average of the validation error
			ix := len(s.Values)
			avgVal := 0.0
			if n := len(t.Stats); n > 0 {
				avgVal = t.Stats[n-1].Values[ix]
			}
			avgVal = stats.EMA(avgVal).Add(errVal, emaEpochs)
			s.Values = append(s.Values, avgVal)
			// number of epochs since the lowest average validation error
			best := avgVal
			s.BestSince = 0
			for ep, prev := range t.Stats {
				if v := prev.Values[ix]; v < best {
					best = v
					s.BestSince = len(t.Stats) - ep
				}
			}
		}
	}
	s.Elapsed = time.Since(start)
	t.Stats = append(t.Stats, s)
	return epoch >= net.MaxEpoch || loss <= net.MinLoss || (net.StopAfter > 0 && s.BestSince >= net.StopAfter)
}

// TestLogger is a Tester which logs the stats after each epoch.
type TestLogger struct {
	*TestBase
	log logs.Log
}

// Create a new tester which logs stats to the given log.
func NewTestLogger(log logs.Log, queue num.Queue, conf Config, data map[string]Data, rng *rand.Rand) (*TestLogger, error) {
	base, err := NewTestBase().Init(queue, conf, data, rng)
	if err != nil {
		return nil, err
	}
	return &TestLogger{TestBase: base, log: log}, nil
}

func (t *TestLogger) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	done := t.TestBase.Test(net, epoch, loss, start)
	s := t.Stats[len(t.Stats)-1]
	if done || net.LogEvery <= 1 || epoch%net.LogEvery == 0 {
		var msg strings.Builder
		fmt.Fprintf(&msg, "epoch %3d:", epoch)
		for i, val := range s.Format() {
			fmt.Fprintf(&msg, "  %s =%s", t.Headers[i], val)
		}
		if s.BestSince >= 0 {
			fmt.Fprintf(&msg, " [%d]", s.BestSince)
		}
		t.log.Infof("%s", msg.String())
	}
	if done {
		t.log.Infof("run time: %s", s.Elapsed.Round(10*time.Millisecond))
	}
	return done
}

// Train the network on the given training set by updating the weights.
// Stops when the tester returns true or the stop channel is closed.
func Train(net *Network, dset *Dataset, test Tester, stop <-chan struct{}) {
	acc := net.queue.NewArray(num.Float32)
	defer acc.Release()
	start := time.Now()
	for epoch := 1; epoch <= net.MaxEpoch; epoch++ {
		loss := TrainEpoch(net, dset, acc)
		if test.Test(net, epoch, loss, start) {
			return
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

// Perform one training epoch on dataset, returns the mean loss calculated prior to each weight update.
func TrainEpoch(net *Network, dset *Dataset, acc num.Array) float64 {
	q := net.queue
	if net.Shuffle {
		dset.Shuffle()
	}
	q.Call(num.Fill(acc, 0))
	dset.Rewind()
	for batch := 0; batch < dset.Batches; batch++ {
		x, _, yOneHot, valid := dset.NextBatch()
		yPred := net.Fprop(x)
		// sum loss over batches, padded samples have zero loss
		losses := net.OutLayer().Loss(yOneHot, yPred)
		q.Call(
			num.Sum(losses, net.batchLoss, 1),
			num.Axpy(1, net.batchLoss, acc),
		)
		// get difference at output and zero it for padding
		q.Call(
			num.Copy(net.inputGrad, yPred),
			num.Axpy(-1, yOneHot, net.inputGrad),
		)
		if valid < dset.BatchSize {
			q.Call(num.ClearCols(net.inputGrad, valid))
		}
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("== train batch %d ==\ninput grad:\n%s", batch, net.inputGrad.String(q))
		}
		// back propagate gradient
		grad := net.inputGrad
		for i := len(net.Layers) - 1; i >= 0; i-- {
			grad = net.Layers[i].Bprop(grad)
		}
		net.updateParams(1 / float32(valid))
	}
	lossVal := make([]float32, 1)
	q.Call(num.Read(acc, lossVal)).Finish()
	return float64(lossVal[0]) / float64(dset.Samples)
}
