// Package web has a web based interface for training the frame classifier, viewing the training
// data and classifying uploaded images.
package web

import (
	"errors"
	"fmt"
	"html/template"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/pypeit/spit/img"
	"github.com/pypeit/spit/nnet"
	"github.com/pypeit/spit/spit"
)

var (
	ErrRunning = errors.New("training is already running")
	ErrBusy    = errors.New("model is being trained")
)

// Network wraps the classifier with its data sets and the state of the current training run.
type Network struct {
	*spit.Classifier
	Data     map[string]*img.Data
	Headers  []string
	Stats    []nnet.Stats
	Pred     map[string][]int32
	Epoch    int
	ModelDir string
	log      logs.Log
	model    sync.RWMutex // held for writing while training
	conns    map[*websocket.Conn]bool
	connMu   sync.Mutex
	stop     chan struct{}
	running  bool
	done     chan struct{}
	sync.Mutex
}

// NewNetwork creates a new network. If modelDir is not empty then the best model is saved there after each run.
func NewNetwork(log logs.Log, clf *spit.Classifier, data map[string]*img.Data, modelDir string) *Network {
	n := &Network{
		Classifier: clf,
		Data:       data,
		Pred:       map[string][]int32{},
		ModelDir:   modelDir,
		log:        log,
		conns:      map[*websocket.Conn]bool{},
	}
	d := make(map[string]nnet.Data)
	for key, dset := range data {
		if key != "test" {
			d[key] = dset
		}
	}
	n.Headers = nnet.StatsHeaders(d)
	n.updatePredictions()
	return n
}

// Train starts a new training run in the background
func (n *Network) Train() error {
	n.Lock()
	if n.running {
		n.Unlock()
		return ErrRunning
	}
	train, ok := n.Data["train"]
	if !ok {
		n.Unlock()
		return errors.New("no training data")
	}
	n.running = true
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	n.Stats = nil
	n.Epoch = 0
	stop, done := n.stop, n.done
	n.Unlock()
	// wait for any classify request to finish
	n.model.Lock()
	n.log.Infof("train: start max epoch=%d", n.Model.MaxEpoch)
	n.Model.InitWeights(nnet.NewRand(n.Model.RandSeed))
	n.OnEpoch = n.nextEpoch
	go func() {
		defer close(done)
		_, err := n.Classifier.Train(train, n.Data["valid"], stop)
		if err != nil {
			n.log.Errorf("train: %v", err)
		} else if test, ok := n.Data["test"]; ok && n.ModelDir != "" {
			if _, err := n.CompareWithBest(test.Images, test.Labels, n.ModelDir); err != nil {
				n.log.Errorf("compare with best model: %v", err)
			}
		}
		n.updatePredictions()
		n.model.Unlock()
		n.Lock()
		n.running = false
		n.Unlock()
		n.notify("done")
		n.log.Infof("train: end")
	}()
	return nil
}

// Stop signals the current training run to finish at the end of the epoch
func (n *Network) Stop() {
	n.Lock()
	defer n.Unlock()
	if n.running {
		select {
		case <-n.stop:
		default:
			close(n.stop)
		}
	}
}

// Wait until the current training run has finished
func (n *Network) Wait() {
	n.Lock()
	done := n.done
	n.Unlock()
	if done != nil {
		<-done
	}
}

func (n *Network) Running() bool {
	n.Lock()
	defer n.Unlock()
	return n.running
}

// LatestStats returns up to count stats entries, most recent first
func (n *Network) LatestStats(count int) []nnet.Stats {
	n.Lock()
	defer n.Unlock()
	last := len(n.Stats) - 1
	res := []nnet.Stats{}
	for i := last; i >= 0 && i > last-count; i-- {
		res = append(res, n.Stats[i])
	}
	return res
}

func (n *Network) statsCopy() []nnet.Stats {
	n.Lock()
	defer n.Unlock()
	return append([]nnet.Stats{}, n.Stats...)
}

// WithModel calls fn with the classifier unless a training run is in progress
func (n *Network) WithModel(fn func(*spit.Classifier) error) error {
	if !n.model.TryRLock() {
		return ErrBusy
	}
	defer n.model.RUnlock()
	return fn(n.Classifier)
}

func (n *Network) nextEpoch(s nnet.Stats) {
	n.Lock()
	n.Epoch = s.Epoch
	n.Stats = append(n.Stats, s)
	n.Unlock()
	n.notify(fmt.Sprintf("epoch:%d", s.Epoch))
}

func (n *Network) updatePredictions() {
	pred := make(map[string][]int32)
	for key, data := range n.Data {
		p, err := n.PredictData(data)
		if err != nil {
			n.log.Errorf("predict %s: %v", key, err)
			continue
		}
		pred[key] = p
	}
	n.Lock()
	n.Pred = pred
	n.Unlock()
}

func (n *Network) addConn(conn *websocket.Conn) {
	n.connMu.Lock()
	n.conns[conn] = true
	n.connMu.Unlock()
	// read until the client goes away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				n.connMu.Lock()
				delete(n.conns, conn)
				n.connMu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

// notify the websocket clients
func (n *Network) notify(msg string) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	for conn := range n.conns {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			n.log.Warnf("error writing to websocket: %v", err)
			delete(n.conns, conn)
			conn.Close()
		}
	}
}

func (n *Network) heading() template.HTML {
	n.Lock()
	defer n.Unlock()
	s := fmt.Sprintf(`spit: epoch <span id="epoch">%d</span> of %d`, n.Epoch, n.Model.MaxEpoch)
	return template.HTML(s)
}
