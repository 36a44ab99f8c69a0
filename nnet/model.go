package nnet

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pypeit/spit/num"
)

// ErrShapeMismatch is returned when saved weights do not fit the network layers.
var ErrShapeMismatch = errors.New("parameter shape mismatch")

// ModelData is the persisted form of a network: config, input shape and weights.
type ModelData struct {
	Conf    Config
	InShape []int
	Params  []LayerData
}

// LayerData holds the weights and biases for one layer
type LayerData struct {
	Layer   int
	Weights []float32
	Biases  []float32
}

// Export copies the current weights from the network
func (n *Network) Export() []LayerData {
	params := []LayerData{}
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			d := LayerData{
				Layer:   i,
				Weights: make([]float32, W.Size()),
				Biases:  make([]float32, B.Size()),
			}
			n.queue.Call(
				num.Read(W, d.Weights),
				num.Read(B, d.Biases),
			).Finish()
			params = append(params, d)
		}
	}
	return params
}

// Import sets the network weights from previously exported data
func (n *Network) Import(params []LayerData) error {
	nlayers := len(n.Layers)
	for _, p := range params {
		if p.Layer < 0 || p.Layer >= nlayers {
			return fmt.Errorf("layer %d import error: network has %d layers total", p.Layer, nlayers)
		}
		layer, ok := n.Layers[p.Layer].(ParamLayer)
		if !ok {
			return fmt.Errorf("layer %d import error: not a ParamLayer", p.Layer)
		}
		W, B := layer.Params()
		if W.Size() != len(p.Weights) || B.Size() != len(p.Biases) {
			return fmt.Errorf("layer %d: have %d %d - expect %d %d: %w",
				p.Layer, len(p.Weights), len(p.Biases), W.Size(), B.Size(), ErrShapeMismatch)
		}
		n.queue.Call(
			num.Write(W, p.Weights),
			num.Write(B, p.Biases),
		)
	}
	n.queue.Finish()
	return nil
}

// SampleShape is the input shape of one sample, without the batch dimension
func (n *Network) SampleShape() []int {
	return n.inShape[:len(n.inShape)-1]
}

// SaveModel writes the network config and weights to filePath in gob format.
// The data is written to a temporary file first which is then renamed.
func SaveModel(n *Network, filePath string) error {
	model := ModelData{Conf: n.Config.Copy(), InShape: n.SampleShape(), Params: n.Export()}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tempPath := filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath)+".tmp")
	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	if err = gob.NewEncoder(f).Encode(model); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("encoding model: %w", err)
	}
	if err = f.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, filePath)
}

// ReadModel decodes the saved model data from filePath
func ReadModel(filePath string) (ModelData, error) {
	var model ModelData
	f, err := os.Open(filePath)
	if err != nil {
		return model, err
	}
	defer f.Close()
	if err = gob.NewDecoder(f).Decode(&model); err != nil {
		return model, fmt.Errorf("decoding model %s: %w", filePath, err)
	}
	return model, nil
}

// LoadModel rebuilds the network saved at filePath with the given batch size.
// The topology comes from the file, not from the current config.
func LoadModel(q num.Queue, filePath string, batchSize int) (*Network, error) {
	model, err := ReadModel(filePath)
	if err != nil {
		return nil, err
	}
	return model.Build(q, batchSize)
}

// Build creates a network from the saved config and imports the saved weights
func (m ModelData) Build(q num.Queue, batchSize int) (*Network, error) {
	net, err := New(q, m.Conf, batchSize, m.InShape)
	if err != nil {
		return nil, err
	}
	if err = net.Import(m.Params); err != nil {
		net.Release()
		return nil, err
	}
	return net, nil
}
