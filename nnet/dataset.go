package nnet

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/pypeit/spit/num"
)

var (
	DataDir   = defaultDataDir()
	DataTypes = []string{"train", "test", "valid"}
)

func defaultDataDir() string {
	if dir := os.Getenv("SPIT_DATA"); dir != "" {
		return dir
	}
	return "data"
}

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
}

// Dataset type encapsulates a set of training, test or validation data.
// The final batch is padded with label -1 if Samples is not a multiple of BatchSize.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []int32
	x, y, y1H [2]num.Array
	valid     [2]int
	indexes   []int
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size and maxSamples.
// If batchSize is zero then the whole set is loaded as one batch.
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, flattenInput bool, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize <= 0 {
		d.BatchSize = max(d.Samples, 1)
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = (d.Samples + d.BatchSize - 1) / d.BatchSize
	nfeat := num.Prod(data.Shape())
	d.xBuffer = make([]float32, nfeat*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	for i := range d.x {
		if flattenInput {
			d.x[i] = dev.NewArray(num.Float32, nfeat, d.BatchSize)
		} else {
			d.x[i] = dev.NewArray(num.Float32, append(append([]int{}, data.Shape()...), d.BatchSize)...)
		}
		d.y[i] = dev.NewArray(num.Int32, d.BatchSize)
		d.y1H[i] = dev.NewArray(num.Float32, len(d.Classes()), d.BatchSize)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue(1)
	return d
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		num.Release(d.x[i], d.y[i], d.y1H[i])
	}
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	if d.Batches == 0 {
		return
	}
	d.Add(1)
	go func() {
		defer d.Done()
		start := d.batch * d.BatchSize
		end := min(start+d.BatchSize, d.Samples)
		for i := range d.xBuffer {
			d.xBuffer[i] = 0
		}
		for i := range d.yBuffer {
			d.yBuffer[i] = -1
		}
		d.Input(d.indexes[start:end], d.xBuffer)
		d.Label(d.indexes[start:end], d.yBuffer)
		d.valid[d.buf] = end - start
		d.queue.Call(
			num.Write(d.x[d.buf], d.xBuffer),
			num.Write(d.y[d.buf], d.yBuffer),
			num.Onehot(d.y[d.buf], d.y1H[d.buf], len(d.Classes())),
		).Finish()
	}()
}

// Get next batch of data, valid is the number of samples in the batch which are not padding.
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array, valid int) {
	d.Wait()
	x, y, yOneHot, valid = d.x[d.buf], d.y[d.buf], d.y1H[d.buf], d.valid[d.buf]
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return
}

// Rewind to start of data
func (d *Dataset) Rewind() {
	d.Wait()
	d.batch = 0
	d.loadBatch()
}

// Shuffle the data set, should be called before Rewind.
func (d *Dataset) Shuffle() {
	d.Wait()
	d.indexes = d.rng.Perm(d.Data.Len())[:d.Samples]
}

// Load data from disk given the model name.
func LoadData(log logs.Log, model string) (map[string]Data, error) {
	d := make(map[string]Data)
	for _, key := range DataTypes {
		name := model + "_" + key
		if !FileExists(name + ".dat") {
			continue
		}
		data, err := LoadDataFile(name)
		if err != nil {
			return nil, err
		}
		log.Infof("loaded %s.dat: %v x %d", name, data.Shape(), data.Len())
		d[key] = data
	}
	if _, ok := d["train"]; !ok {
		return nil, fmt.Errorf("no training data for %s in %s", model, DataDir)
	}
	return d, nil
}

// Decode data from file in gob format under DataDir
func LoadDataFile(name string) (Data, error) {
	f, err := os.Open(filepath.Join(DataDir, name+".dat"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var d Data
	if err = gob.NewDecoder(f).Decode(&d); err != nil {
		return nil, fmt.Errorf("decoding %s.dat: %w", name, err)
	}
	return d, nil
}

// Encode in gob format and save to file under DataDir
func SaveDataFile(d Data, name string) error {
	if err := os.MkdirAll(DataDir, 0755); err != nil {
		return err
	}
	filePath := filepath.Join(DataDir, name+".dat")
	tempPath := filepath.Join(DataDir, "."+name+".dat")
	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	if err = gob.NewEncoder(f).Encode(&d); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tempPath, filePath)
}

// Check if file exists under DataDir
func FileExists(name string) bool {
	_, err := os.Stat(filepath.Join(DataDir, name))
	return err == nil
}
