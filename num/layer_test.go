package num

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvFprop(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(2)
	// 3x3 single channel input, 2x2 kernel, 2 features, batch of 1
	layer := NewConvLayer(q, 1, 1, 3, 3, 2, 2, 1, 0)
	require.Equal(t, []int{2, 2, 2, 1}, layer.OutShape())
	require.Equal(t, []int{4, 2}, layer.FilterShape())

	W := dev.NewArray(Float32, layer.FilterShape()...)
	B := dev.NewArray(Float32, layer.BiasShape()...)
	dW := dev.NewArrayLike(W)
	dB := dev.NewArrayLike(B)
	layer.SetParams(W, B, dW, dB)

	// input is column major: x[y + 3*x]
	input := dev.NewArray(Float32, 3, 3, 1, 1)
	q.Call(
		Write(input, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}),
		// feature 0 sums the patch, feature 1 picks the top left pixel
		Write(W, []float32{1, 1, 1, 1, 1, 0, 0, 0}),
		Write(B, []float32{0, 0.5}),
	)
	layer.SetSrc(input)
	res := make([]float32, 8)
	q.Call(Fprop(layer), Read(layer.Dst(), res)).Finish()
	expect := []float32{
		1 + 2 + 4 + 5, 2 + 3 + 5 + 6, 4 + 5 + 7 + 8, 5 + 6 + 8 + 9,
		1.5, 2.5, 4.5, 5.5,
	}
	assert.Equal(t, expect, res)
}

func TestMaxPool(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	layer := NewMaxPoolLayer(q, []int{4, 4, 1, 1}, 2, 2)
	require.Equal(t, []int{2, 2, 1, 1}, layer.OutShape())
	input := dev.NewArray(Float32, 4, 4, 1, 1)
	q.Call(Write(input, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}))
	layer.SetSrc(input)
	res := make([]float32, 4)
	q.Call(Fprop(layer), Read(layer.Dst(), res)).Finish()
	assert.Equal(t, []float32{6, 8, 14, 16}, res)

	grad := dev.NewArray(Float32, 2, 2, 1, 1)
	q.Call(Write(grad, []float32{1, 2, 3, 4}))
	layer.SetDiffDst(grad)
	dsrc := make([]float32, 16)
	q.Call(BpropData(layer), Read(layer.DiffSrc(), dsrc)).Finish()
	expect := make([]float32, 16)
	expect[5], expect[7], expect[13], expect[15] = 1, 2, 3, 4
	assert.Equal(t, expect, dsrc)
}

// compare the analytic gradients with finite differences of loss = sum(out * target)
func TestConvGradient(t *testing.T) {
	const eps = 1e-2
	rng := rand.New(rand.NewSource(42))
	dev := NewCPUDevice()
	q := dev.NewQueue(3)
	layer := NewConvLayer(q, 2, 2, 5, 4, 3, 3, 1, 1)
	W := dev.NewArray(Float32, layer.FilterShape()...)
	B := dev.NewArray(Float32, layer.BiasShape()...)
	dW := dev.NewArrayLike(W)
	dB := dev.NewArrayLike(B)
	layer.SetParams(W, B, dW, dB)
	input := dev.NewArray(Float32, layer.InShape()...)
	target := dev.NewArray(Float32, layer.OutShape()...)
	rnd := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = rng.Float32() - 0.5
		}
		return v
	}
	inData := rnd(input.Size())
	wData := rnd(W.Size())
	q.Call(
		Write(input, inData),
		Write(W, wData),
		Write(B, rnd(B.Size())),
		Write(target, rnd(target.Size())),
	)
	loss := func() float64 {
		out := make([]float32, target.Size())
		tgt := make([]float32, target.Size())
		layer.SetSrc(input)
		q.Call(Fprop(layer), Read(layer.Dst(), out), Read(target, tgt)).Finish()
		sum := 0.0
		for i := range out {
			sum += float64(out[i] * tgt[i])
		}
		return sum
	}
	loss()
	layer.SetDiffDst(target)
	gradW := make([]float32, W.Size())
	gradX := make([]float32, input.Size())
	q.Call(
		BpropData(layer),
		BpropFilter(layer),
		BpropBias(layer),
		Read(dW, gradW),
		Read(layer.DiffSrc(), gradX),
	).Finish()

	for _, i := range []int{0, 7, 20, W.Size() - 1} {
		orig := wData[i]
		wData[i] = orig + eps
		q.Call(Write(W, wData))
		up := loss()
		wData[i] = orig - eps
		q.Call(Write(W, wData))
		down := loss()
		wData[i] = orig
		q.Call(Write(W, wData))
		assert.InDelta(t, (up-down)/(2*eps), gradW[i], 1e-2, "dW[%d]", i)
	}
	for _, i := range []int{0, 11, 25, input.Size() - 1} {
		orig := inData[i]
		inData[i] = orig + eps
		q.Call(Write(input, inData))
		up := loss()
		inData[i] = orig - eps
		q.Call(Write(input, inData))
		down := loss()
		inData[i] = orig
		q.Call(Write(input, inData))
		assert.InDelta(t, (up-down)/(2*eps), gradX[i], 1e-2, "dX[%d]", i)
	}
}
