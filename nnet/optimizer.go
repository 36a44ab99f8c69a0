package nnet

import (
	"fmt"

	"github.com/pypeit/spit/num"
)

// Optimizer updates the parameters of one layer from the gradients calculated in the backward pass.
type Optimizer interface {
	// Update weights, gradScale is applied to the gradients, step is the 1 based update number.
	Update(step int, gradScale float32)
	Release()
}

// create a new optimizer of the configured type for each layer with parameters
func (n *Network) resetOptimizer() error {
	for _, opt := range n.optimizers {
		opt.Release()
	}
	n.optimizers = n.optimizers[:0]
	n.step = 0
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			opt, err := NewOptimizer(n.queue, n.Config, l)
			if err != nil {
				return err
			}
			n.optimizers = append(n.optimizers, opt)
		}
	}
	return nil
}

// update the weights for all layers after the gradients have been calculated
func (n *Network) updateParams(gradScale float32) {
	n.step++
	for _, opt := range n.optimizers {
		opt.Update(n.step, gradScale)
	}
}

// NewOptimizer returns an sgd or adam optimizer for the given layer depending on conf.Optimizer
func NewOptimizer(q num.Queue, conf Config, layer ParamLayer) (Optimizer, error) {
	switch conf.Optimizer {
	case "", "sgd":
		return &sgd{queue: q, layer: layer, eta: float32(conf.Eta), lambda: float32(conf.Lambda)}, nil
	case "adam":
		W, B := layer.Params()
		opt := &adam{
			queue: q,
			layer: layer,
			eta:   float32(conf.Eta),
			beta1: float32(conf.Beta1),
			beta2: float32(conf.Beta2),
			eps:   float32(conf.Epsilon),
			mW:    q.NewArrayLike(W),
			vW:    q.NewArrayLike(W),
			mB:    q.NewArrayLike(B),
			vB:    q.NewArrayLike(B),
		}
		if opt.eps == 0 {
			opt.eps = 1e-7
		}
		q.Call(num.Fill(opt.mW, 0), num.Fill(opt.vW, 0), num.Fill(opt.mB, 0), num.Fill(opt.vB, 0))
		return opt, nil
	default:
		return nil, fmt.Errorf("invalid optimizer %q", conf.Optimizer)
	}
}

// stochastic gradient descent with L2 weight decay
type sgd struct {
	queue       num.Queue
	layer       ParamLayer
	eta, lambda float32
}

func (o *sgd) Update(step int, gradScale float32) {
	W, B := o.layer.Params()
	dW, dB := o.layer.ParamGrads()
	if o.lambda > 0 {
		o.queue.Call(num.Scale(1-o.eta*o.lambda*gradScale, W))
	}
	o.queue.Call(
		num.Axpy(-o.eta*gradScale, dW, W),
		num.Axpy(-o.eta*gradScale, dB, B),
	)
}

func (o *sgd) Release() {}

// adam optimizer with bias corrected learning rate
type adam struct {
	queue             num.Queue
	layer             ParamLayer
	eta, beta1, beta2 float32
	eps               float32
	mW, vW, mB, vB    num.Array
}

func (o *adam) Update(step int, gradScale float32) {
	W, B := o.layer.Params()
	dW, dB := o.layer.ParamGrads()
	o.queue.Call(
		num.AdamStep(W, dW, o.mW, o.vW, gradScale, o.eta, o.beta1, o.beta2, o.eps, step),
		num.AdamStep(B, dB, o.mB, o.vB, gradScale, o.eta, o.beta1, o.beta2, o.eps, step),
	)
}

func (o *adam) Release() {
	num.Release(o.mW, o.vW, o.mB, o.vB)
}
