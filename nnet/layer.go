package nnet

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/pypeit/spit/num"
)

// Layer interface type represents one layer of the neural net.
type Layer interface {
	Init(q num.Queue, inShape []int, prev Layer) Layer
	OutShape(inShape []int) []int
	Fprop(in num.Array) num.Array
	Bprop(grad num.Array) num.Array
	ToString() string
	Release()
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(scale, bias float32, normal bool, rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(W, B num.Array)
}

// OutputLayer is the final layer in the stack
type OutputLayer interface {
	Layer
	Loss(yOneHot, yPred num.Array) num.Array
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() (Layer, error) {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		return cfg.unmarshal(l.Data)
	case "maxPool":
		cfg := new(MaxPool)
		return cfg.unmarshal(l.Data)
	case "linear":
		cfg := new(Linear)
		return cfg.unmarshal(l.Data)
	case "activation":
		cfg := new(Activation)
		return cfg.unmarshal(l.Data)
	case "logRegression":
		return &logRegression{}, nil
	case "flatten":
		return &flatten{}, nil
	default:
		return nil, fmt.Errorf("invalid layer type: %q", l.Type)
	}
}

func (l LayerConfig) String() string {
	layer, err := l.Unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c *Conv) unmarshal(data json.RawMessage) (Layer, error) {
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("conv layer: %w", err)
	}
	return &conv{Conv: *c}, nil
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c *MaxPool) unmarshal(data json.RawMessage) (Layer, error) {
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("maxPool layer: %w", err)
	}
	return &pool{MaxPool: *c}, nil
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c *Linear) unmarshal(data json.RawMessage) (Layer, error) {
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("linear layer: %w", err)
	}
	return &linear{Linear: *c}, nil
}

// Sigmoid, tanh or relu activation layer, implements OutputLayer interface.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c *Activation) unmarshal(data json.RawMessage) (Layer, error) {
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("activation layer: %w", err)
	}
	layer := &activation{Activation: *c}
	switch c.Atype {
	case "sigmoid":
		layer.activ = num.Sigmoid
		layer.deriv = num.SigmoidD
	case "tanh":
		layer.activ = num.Tanh
		layer.deriv = num.TanhD
	case "relu":
		layer.activ = num.Relu
		layer.deriv = num.ReluD
	default:
		return nil, fmt.Errorf("activation type %q invalid", c.Atype)
	}
	return layer, nil
}

// LogRegression output layer with soft max activation and cross entropy loss.
type LogRegression struct{}

func (c LogRegression) Marshal() LayerConfig {
	return LayerConfig{Type: "logRegression"}
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// linear layer implementation, input is [nIn, nBatch], output [nOut, nBatch]
type linear struct {
	Linear
	layerBase
	paramBase
	ones num.Array
}

func (l *linear) OutShape(inShape []int) []int {
	return []int{l.Nout, inShape[1]}
}

func (l *linear) Init(q num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 2 {
		panic("Linear: expect 2 dimensional input")
	}
	nIn, nBatch := inShape[0], inShape[1]
	l.layerBase = newLayerBase(q, inShape, l.OutShape(inShape))
	l.paramBase = newParams(q, []int{nIn, l.Nout}, []int{l.Nout})
	l.ones = q.NewArray(num.Float32, nBatch)
	q.Call(num.Fill(l.ones, 1))
	return l
}

func (l *linear) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(
		num.Copy(l.dst, l.b.Reshape(l.Nout, 1)),
		num.Gemm(1, 1, l.w, l.src, l.dst, num.Trans, num.NoTrans),
	)
	return l.dst
}

func (l *linear) Bprop(grad num.Array) num.Array {
	l.queue.Call(
		num.Gemv(1, 0, grad, l.ones, l.db, num.NoTrans),
		num.Gemm(1, 0, l.src, grad, l.dw, num.NoTrans, num.Trans),
		num.Gemm(1, 0, l.w, grad, l.dsrc, num.NoTrans, num.NoTrans),
	)
	return l.dsrc
}

func (l *linear) Release() {
	l.layerBase.release()
	l.paramBase.release()
	num.Release(l.ones)
}

// convolutional layer implementation
type conv struct {
	Conv
	paramBase
	*layerDNN
}

func (l *conv) Init(q num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 4 {
		panic("Conv: expect 4 dimensional input")
	}
	h, w, d, n := inShape[0], inShape[1], inShape[2], inShape[3]
	layer := num.NewConvLayer(q, n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.paramBase = newParams(q, layer.FilterShape(), layer.BiasShape())
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(q, layer)
	return l
}

func (l *conv) OutShape(inShape []int) []int {
	if l.layerDNN != nil {
		return l.layer.OutShape()
	}
	stride := max(l.Stride, 1)
	return []int{
		(inShape[0]+2*l.Pad-l.Size)/stride + 1,
		(inShape[1]+2*l.Pad-l.Size)/stride + 1,
		l.Nfeats,
		inShape[3],
	}
}

func (l *conv) Release() {
	l.paramBase.release()
}

// pool layer implentation
type pool struct {
	MaxPool
	*layerDNN
}

func (l *pool) Init(q num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 4 {
		panic("Pool: expect 4 dimensional input")
	}
	l.layerDNN = newLayerDNN(q, num.NewMaxPoolLayer(q, inShape, l.Size, l.Stride))
	return l
}

func (l *pool) OutShape(inShape []int) []int {
	if l.layerDNN != nil {
		return l.layer.OutShape()
	}
	stride := l.Stride
	if stride == 0 {
		stride = l.Size
	}
	return []int{(inShape[0]-l.Size)/stride + 1, (inShape[1]-l.Size)/stride + 1, inShape[2], inShape[3]}
}

func (l *pool) Release() {}

// activation layers
type activation struct {
	Activation
	layerBase
	activ func(x, y num.Array) num.Function
	deriv func(x, y, z num.Array) num.Function
	loss  num.Array
}

func (l *activation) Init(q num.Queue, inShape []int, prev Layer) Layer {
	l.layerBase = newLayerBase(q, inShape, inShape)
	l.loss = q.NewArray(num.Float32, inShape...)
	return l
}

func (l *activation) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *activation) Bprop(grad num.Array) num.Array {
	l.queue.Call(l.deriv(l.src, grad, l.dsrc))
	return l.dsrc
}

func (l *activation) Loss(yOneHot, yPred num.Array) num.Array {
	l.queue.Call(num.QuadraticLoss(yOneHot, yPred, l.loss))
	return l.loss
}

func (l *activation) Release() {
	l.layerBase.release()
	num.Release(l.loss)
}

// log regression output layer, softmax with categorical cross entropy loss.
// The gradient passed to Bprop is already yPred-yOneHot so it is passed straight through.
type logRegression struct {
	layerBase
	loss num.Array
}

func (l *logRegression) ToString() string { return "logRegression" }

func (l *logRegression) Init(q num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 2 {
		panic("LogRegression: expect 2 dimensional input")
	}
	l.layerBase = newLayerBase(q, inShape, inShape)
	l.loss = q.NewArray(num.Float32, inShape...)
	return l
}

func (l *logRegression) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(num.Softmax(l.src, l.dst))
	return l.dst
}

func (l *logRegression) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.Copy(l.dsrc, grad))
	return l.dsrc
}

func (l *logRegression) Loss(yOneHot, yPred num.Array) num.Array {
	l.queue.Call(num.SoftmaxLoss(yOneHot, yPred, l.loss))
	return l.loss
}

func (l *logRegression) Release() {
	l.layerBase.release()
	num.Release(l.loss)
}

type flatten struct {
	layerBase
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) OutShape(inShape []int) []int {
	return []int{num.Prod(inShape[:3]), inShape[3]}
}

func (l *flatten) Init(q num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 4 {
		panic("Flatten: expect 4 dimensional input")
	}
	return l
}

func (l *flatten) Fprop(in num.Array) num.Array {
	l.src = in
	dims := in.Dims()
	l.dst = in.Reshape(-1, dims[len(dims)-1])
	return l.dst
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	l.dsrc = grad.Reshape(l.src.Dims()...)
	return l.dsrc
}

func (l *flatten) Release() {}

// base layer type
type layerBase struct {
	queue num.Queue
	src   num.Array
	dst   num.Array
	dsrc  num.Array
}

func newLayerBase(q num.Queue, inShape, outShape []int) layerBase {
	return layerBase{
		queue: q,
		dst:   q.NewArray(num.Float32, outShape...),
		dsrc:  q.NewArray(num.Float32, inShape...),
	}
}

func (l layerBase) OutShape(inShape []int) []int { return inShape }

func (l layerBase) release() {
	num.Release(l.dst, l.dsrc)
}

// layerDNN wraps a num.Layer which runs the convolution and pooling kernels
type layerDNN struct {
	que   num.Queue
	layer num.Layer
	dst   num.Array
	dsrc  num.Array
}

func newLayerDNN(q num.Queue, layer num.Layer) *layerDNN {
	return &layerDNN{que: q, layer: layer, dst: layer.Dst(), dsrc: layer.DiffSrc()}
}

func (l *layerDNN) Fprop(in num.Array) num.Array {
	l.layer.SetSrc(in)
	l.que.Call(num.Fprop(l.layer))
	return l.dst
}

func (l *layerDNN) Bprop(grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	l.que.Call(num.BpropData(l.layer))
	if l.layer.HasParams() {
		l.que.Call(
			num.BpropFilter(l.layer),
			num.BpropBias(l.layer),
		)
	}
	return l.dsrc
}

// weight and bias parameters
type paramBase struct {
	que    num.Queue
	w, b   num.Array
	dw, db num.Array
}

func newParams(q num.Queue, wShape, bShape []int) paramBase {
	return paramBase{
		que:   q,
		w:     q.NewArray(num.Float32, wShape...),
		b:     q.NewArray(num.Float32, bShape...),
		dw:    q.NewArray(num.Float32, wShape...),
		db:    q.NewArray(num.Float32, bShape...),
	}
}

func (p paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

func (p paramBase) InitParams(scale, bias float32, normal bool, rng *rand.Rand) {
	weights := make([]float32, p.w.Size())
	for i := range weights {
		if normal {
			weights[i] = float32(rng.NormFloat64()) * scale
		} else {
			weights[i] = (2*rng.Float32() - 1) * scale
		}
	}
	p.que.Call(
		num.Write(p.w, weights),
		num.Fill(p.b, bias),
	)
}

func (p paramBase) SetParams(W, B num.Array) {
	p.que.Call(num.Copy(p.w, W), num.Copy(p.b, B))
}

func (p paramBase) release() {
	num.Release(p.w, p.b, p.dw, p.db)
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
