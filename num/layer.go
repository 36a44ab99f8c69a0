package num

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Layer interface type represents a convolution or pooling layer which operates on
// 4 dimensional arrays with shape [height, width, channels, batch].
type Layer interface {
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
	fprop()
	bpropData()
	bpropFilter()
	bpropBias()
}

// Forward propagation
func Fprop(layer Layer) Function {
	return args(layer.Type()+"_fprop", layer.fprop)
}

// Backward propagation
func BpropData(layer Layer) Function {
	return args(layer.Type()+"_bprop_data", layer.bpropData)
}

func BpropFilter(layer Layer) Function {
	return args(layer.Type()+"_bprop_filter", layer.bpropFilter)
}

func BpropBias(layer Layer) Function {
	return args(layer.Type()+"_bprop_bias", layer.bpropBias)
}

// common fields for the layer types
type layerBase struct {
	inShape  []int
	outShape []int
	src      []float32
	ddst     []float32
	dst      *arrayCPU
	dsrc     *arrayCPU
	threads  int
}

func newLayerBase(inShape, outShape []int, threads int) layerBase {
	return layerBase{
		inShape:  inShape,
		outShape: outShape,
		dst:      newArrayCPU(Float32, outShape),
		dsrc:     newArrayCPU(Float32, inShape),
		threads:  threads,
	}
}

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) DiffSrc() Array { return l.dsrc }

func (l *layerBase) SetSrc(a Array) {
	if a.Size() != Prod(l.inShape) {
		panic(fmt.Sprintf("SetSrc: input size %v does not match layer shape %v", a.Dims(), l.inShape))
	}
	l.src = f32(a)
}

func (l *layerBase) SetDiffDst(a Array) {
	if a.Size() != Prod(l.outShape) {
		panic(fmt.Sprintf("SetDiffDst: gradient size %v does not match layer shape %v", a.Dims(), l.outShape))
	}
	l.ddst = f32(a)
}

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

// run fn for each sample in the batch using up to l.threads goroutines
func (l *layerBase) forEach(fn func(n int)) {
	var g errgroup.Group
	g.SetLimit(l.threads)
	for n := 0; n < l.inShape[3]; n++ {
		g.Go(func() error {
			fn(n)
			return nil
		})
	}
	g.Wait()
}

// Convolution layer with square kernel of given size, stride and zero padding.
type convLayer struct {
	layerBase
	size, stride, pad int
	w, b, dw, db      []float32
	pool              sync.Pool
	sync.Mutex
}

// NewConvLayer creates a new convolution layer. Output height and width are (x+2*pad-size)/stride+1.
func NewConvLayer(q Queue, nBatch, depth, h, w, nFeats, size, stride, pad int) Layer {
	if stride < 1 {
		stride = 1
	}
	oh := (h+2*pad-size)/stride + 1
	ow := (w+2*pad-size)/stride + 1
	if oh < 1 || ow < 1 {
		panic(fmt.Sprintf("ConvLayer: kernel size %d too large for %dx%d input", size, h, w))
	}
	l := &convLayer{
		layerBase: newLayerBase([]int{h, w, depth, nBatch}, []int{oh, ow, nFeats, nBatch}, q.Threads()),
		size:      size,
		stride:    stride,
		pad:       pad,
	}
	cols := oh * ow * size * size * depth
	l.pool.New = func() interface{} { return make([]float32, cols) }
	return l
}

func (l *convLayer) Type() string { return "conv" }

func (l *convLayer) HasParams() bool { return true }

func (l *convLayer) FilterShape() []int {
	return []int{l.size * l.size * l.inShape[2], l.outShape[2]}
}

func (l *convLayer) BiasShape() []int {
	return []int{l.outShape[2]}
}

func (l *convLayer) SetParams(W, B, dW, dB Array) {
	if !SameShape(W.Dims(), l.FilterShape()) || !SameShape(B.Dims(), l.BiasShape()) {
		panic(fmt.Sprintf("ConvLayer: invalid parameter shape %v %v", W.Dims(), B.Dims()))
	}
	l.w, l.b, l.dw, l.db = f32(W), f32(B), f32(dW), f32(dB)
}

// sizes used by the im2col routines
func (l *convLayer) dims() (h, w, c, oh, ow, nf, k int) {
	return l.inShape[0], l.inShape[1], l.inShape[2], l.outShape[0], l.outShape[1], l.outShape[2],
		l.size * l.size * l.inShape[2]
}

// unpack image patches from src into rows of col matrix with shape [oh*ow, size*size*c]
func (l *convLayer) im2col(src, col []float32) {
	h, w, c, oh, ow, _, _ := l.dims()
	np := oh * ow
	for ch := 0; ch < c; ch++ {
		for kx := 0; kx < l.size; kx++ {
			for ky := 0; ky < l.size; ky++ {
				q := ky + l.size*(kx+l.size*ch)
				out := col[q*np : (q+1)*np]
				for ox := 0; ox < ow; ox++ {
					x := ox*l.stride - l.pad + kx
					for oy := 0; oy < oh; oy++ {
						y := oy*l.stride - l.pad + ky
						if x < 0 || x >= w || y < 0 || y >= h {
							out[oy+oh*ox] = 0
						} else {
							out[oy+oh*ox] = src[y+h*(x+w*ch)]
						}
					}
				}
			}
		}
	}
}

// accumulate col matrix back into image, inverse of im2col
func (l *convLayer) col2im(col, dst []float32) {
	h, w, c, oh, ow, _, _ := l.dims()
	np := oh * ow
	for i := range dst {
		dst[i] = 0
	}
	for ch := 0; ch < c; ch++ {
		for kx := 0; kx < l.size; kx++ {
			for ky := 0; ky < l.size; ky++ {
				q := ky + l.size*(kx+l.size*ch)
				in := col[q*np : (q+1)*np]
				for ox := 0; ox < ow; ox++ {
					x := ox*l.stride - l.pad + kx
					if x < 0 || x >= w {
						continue
					}
					for oy := 0; oy < oh; oy++ {
						y := oy*l.stride - l.pad + ky
						if y >= 0 && y < h {
							dst[y+h*(x+w*ch)] += in[oy+oh*ox]
						}
					}
				}
			}
		}
	}
}

func (l *convLayer) fprop() {
	h, w, c, oh, ow, nf, k := l.dims()
	insize, outsize, np := h*w*c, oh*ow*nf, oh*ow
	dst := l.dst.f32
	l.forEach(func(n int) {
		col := l.pool.Get().([]float32)
		defer l.pool.Put(col)
		l.im2col(l.src[n*insize:(n+1)*insize], col)
		out := dst[n*outsize : (n+1)*outsize]
		gemm(NoTrans, NoTrans, np, nf, k, 1, col, np, l.w, k, 0, out)
		for f, bias := range l.b {
			plane := out[f*np : (f+1)*np]
			for i := range plane {
				plane[i] += bias
			}
		}
	})
}

func (l *convLayer) bpropData() {
	h, w, c, oh, ow, nf, k := l.dims()
	insize, outsize, np := h*w*c, oh*ow*nf, oh*ow
	dsrc := l.dsrc.f32
	l.forEach(func(n int) {
		col := l.pool.Get().([]float32)
		defer l.pool.Put(col)
		gemm(NoTrans, Trans, np, k, nf, 1, l.ddst[n*outsize:(n+1)*outsize], np, l.w, k, 0, col)
		l.col2im(col, dsrc[n*insize:(n+1)*insize])
	})
}

func (l *convLayer) bpropFilter() {
	h, w, c, oh, ow, nf, k := l.dims()
	insize, outsize, np := h*w*c, oh*ow*nf, oh*ow
	for i := range l.dw {
		l.dw[i] = 0
	}
	l.forEach(func(n int) {
		col := l.pool.Get().([]float32)
		defer l.pool.Put(col)
		l.im2col(l.src[n*insize:(n+1)*insize], col)
		partial := make([]float32, k*nf)
		gemm(Trans, NoTrans, k, nf, np, 1, col, np, l.ddst[n*outsize:(n+1)*outsize], np, 0, partial)
		l.Lock()
		axpy(1, partial, l.dw)
		l.Unlock()
	})
}

func (l *convLayer) bpropBias() {
	oh, ow, nf, nb := l.outShape[0], l.outShape[1], l.outShape[2], l.outShape[3]
	np := oh * ow
	for f := range l.db {
		var sum float32
		for n := 0; n < nb; n++ {
			plane := l.ddst[(f+nf*n)*np : (f+nf*n+1)*np]
			for _, v := range plane {
				sum += v
			}
		}
		l.db[f] = sum
	}
}

// Max pooling layer with no padding, output is floor((x-size)/stride)+1
type poolLayer struct {
	layerBase
	size, stride int
	index        []int32
}

// NewMaxPoolLayer creates a new max pooling layer with input shape from the previous layer.
func NewMaxPoolLayer(q Queue, inShape []int, size, stride int) Layer {
	if len(inShape) != 4 {
		panic("MaxPoolLayer: expect 4 dimensional input")
	}
	if stride < 1 {
		stride = size
	}
	oh := (inShape[0]-size)/stride + 1
	ow := (inShape[1]-size)/stride + 1
	if oh < 1 || ow < 1 {
		panic(fmt.Sprintf("MaxPoolLayer: pool size %d too large for input %v", size, inShape))
	}
	outShape := []int{oh, ow, inShape[2], inShape[3]}
	return &poolLayer{
		layerBase: newLayerBase(inShape, outShape, q.Threads()),
		size:      size,
		stride:    stride,
		index:     make([]int32, Prod(outShape)),
	}
}

func (l *poolLayer) Type() string { return "maxPool" }

func (l *poolLayer) HasParams() bool { return false }

func (l *poolLayer) FilterShape() []int { return nil }

func (l *poolLayer) BiasShape() []int { return nil }

func (l *poolLayer) SetParams(W, B, dW, dB Array) {}

func (l *poolLayer) fprop() {
	h, w := l.inShape[0], l.inShape[1]
	oh, ow := l.outShape[0], l.outShape[1]
	dst := l.dst.f32
	l.forEach(func(n int) {
		for ch := 0; ch < l.inShape[2]; ch++ {
			plane := ch + l.inShape[2]*n
			in := plane * h * w
			out := plane * oh * ow
			for ox := 0; ox < ow; ox++ {
				for oy := 0; oy < oh; oy++ {
					best := int32(-1)
					for kx := 0; kx < l.size; kx++ {
						x := ox*l.stride + kx
						for ky := 0; ky < l.size; ky++ {
							ix := int32(in + oy*l.stride + ky + h*x)
							if best < 0 || l.src[ix] > l.src[best] {
								best = ix
							}
						}
					}
					dst[out+oy+oh*ox] = l.src[best]
					l.index[out+oy+oh*ox] = best
				}
			}
		}
	})
}

func (l *poolLayer) bpropData() {
	dsrc := l.dsrc.f32
	for i := range dsrc {
		dsrc[i] = 0
	}
	for i, ix := range l.index {
		dsrc[ix] += l.ddst[i]
	}
}

func (l *poolLayer) bpropFilter() {}

func (l *poolLayer) bpropBias() {}
