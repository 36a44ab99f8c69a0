// Package num contains numeric Array processing routines such as optimised matrix multiplication.
package num

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

// Function which may be called via the queue
type Function struct {
	name string
	call func()
}

func args(name string, call func()) Function {
	return Function{name: name, call: call}
}

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	switch d := data.(type) {
	case []float32:
		src := f32(a)
		return args("copy", func() { copy(d, src) })
	case []int32:
		src := i32(a)
		return args("copy", func() { copy(d, src) })
	default:
		panic(fmt.Sprintf("Read: invalid slice type %T", data))
	}
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	switch d := data.(type) {
	case []float32:
		dst := f32(a)
		return args("copy", func() { copy(dst, d) })
	case []int32:
		dst := i32(a)
		return args("copy", func() { copy(dst, d) })
	default:
		panic(fmt.Sprintf("Write: invalid slice type %T", data))
	}
}

// Write to one row in the array
func WriteRow(a Array, row int, data []float32) Function {
	dims := a.Dims()
	if len(dims) != 2 {
		panic("WriteRow: must be a matrix")
	}
	if row < 0 || row >= dims[0] {
		panic("WriteRow: row out of range")
	}
	dst := f32(a)
	rows, cols := dims[0], dims[1]
	return args("copy_row", func() {
		for j := 0; j < cols && j < len(data); j++ {
			dst[row+j*rows] = data[j]
		}
	})
}

// Write to one column in the array
func WriteCol(a Array, col int, data []float32) Function {
	dims := a.Dims()
	var rows, cols int
	if len(dims) == 1 {
		rows, cols = 1, dims[0]
	} else if len(dims) == 2 {
		rows, cols = dims[0], dims[1]
	} else {
		panic("WriteCol: must be vector or matrix")
	}
	if col < 0 || col >= cols {
		panic("WriteCol: column out of range")
	}
	dst := f32(a)
	return args("copy_col", func() { copy(dst[col*rows:(col+1)*rows], data) })
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	if a.Dtype() == Int32 {
		dst := i32(a)
		return args("fill", func() {
			for i := range dst {
				dst[i] = int32(scalar)
			}
		})
	}
	dst := f32(a)
	return args("fill", func() {
		for i := range dst {
			dst[i] = scalar
		}
	})
}

// Zero the columns of a 2d array from index start to the end
func ClearCols(a Array, start int) Function {
	dims := a.Dims()
	if len(dims) != 2 || start < 0 || start > dims[1] {
		panic(fmt.Sprintf("ClearCols: invalid column %d for shape %v", start, dims))
	}
	dst := f32(a)[start*dims[0]:]
	return args("clear_cols", func() {
		for i := range dst {
			dst[i] = 0
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	if SameShape(ddim, sdim) {
		if src.Dtype() == Int32 {
			d, s := i32(dst), i32(src)
			return args("copy", func() { copy(d, s) })
		}
		d, s := f32(dst), f32(src)
		return args("copy", func() { copy(d, s) })
	}
	d, s := f32(dst), f32(src)
	if len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1] {
		// each element of src fills a column of dst
		rows := ddim[0]
		return args("tile1", func() {
			for j, v := range s {
				col := d[j*rows : (j+1)*rows]
				for i := range col {
					col[i] = v
				}
			}
		})
	} else if len(sdim) == 2 && sdim[1] == 1 && len(ddim) == 2 && sdim[0] == ddim[0] {
		// src column vector is copied to each column of dst
		rows, cols := ddim[0], ddim[1]
		return args("tile0", func() {
			for j := 0; j < cols; j++ {
				copy(d[j*rows:(j+1)*rows], s)
			}
		})
	} else if len(sdim) == 2 && sdim[0] == 1 && len(ddim) == 2 && sdim[1] == ddim[1] {
		rows := ddim[0]
		return args("tile1", func() {
			for j, v := range s {
				col := d[j*rows : (j+1)*rows]
				for i := range col {
					col[i] = v
				}
			}
		})
	}
	panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
}

// Convert to one hot representation
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[1] || ydim[0] != classes {
		panic("Onehot: invalid array shape")
	}
	xd, yd := i32(x), f32(y)
	return args("onehot", func() {
		for i := range yd {
			yd[i] = 0
		}
		for j, label := range xd {
			if label >= 0 && int(label) < classes {
				yd[int(label)+j*classes] = 1
			}
		}
	})
}

// Convert from OneHot format back to labels
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	xd, yd := f32(x), i32(y)
	rows := xdim[0]
	return args("unhot", func() {
		for j := range yd {
			yd[j] = int32(argmax(xd[j*rows : (j+1)*rows]))
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	xd := f32(x)
	return args("scale", func() {
		for i := range xd {
			xd[i] *= alpha
		}
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if !SameShape(x.Dims(), y.Dims()) {
		panic("Axpy: arrays must be same shape")
	}
	xd, yd := f32(x), f32(y)
	return args("axpy", func() { axpy(alpha, xd, yd) })
}

// Transpose sets mB to a copy of mA with the data transposed.
func Transpose(mA, mB Array) Function {
	adim, bdim := mA.Dims(), mB.Dims()
	if len(adim) != 2 || len(bdim) != 2 {
		panic("Transpose: arrays must be 2D")
	}
	if adim[0] != bdim[1] || adim[1] != bdim[0] {
		panic("Transpose: destination matrix is wrong shape")
	}
	ad, bd := f32(mA), f32(mB)
	rows, cols := adim[0], adim[1]
	return args("trans", func() {
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				bd[j+i*cols] = ad[i+j*rows]
			}
		}
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if len(total.Dims()) != 0 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	td := f32(total)
	if a.Dtype() == Int32 {
		ad := i32(a)
		return args("sum", func() {
			var sum int64
			for _, v := range ad {
				sum += int64(v)
			}
			td[0] = float32(sum) * scale
		})
	}
	ad := f32(a)
	return args("sum", func() {
		var sum float64
		for _, v := range ad {
			sum += float64(v)
		}
		td[0] = float32(sum) * scale
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	ad, xd, yd := f32(mA), f32(x), f32(y)
	return args("gemv", func() { gemv(aTrans, m, n, alpha, ad, xd, beta, yd) })
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	ad, bd, cd := f32(mA), f32(mB), f32(mC)
	return args("gemm", func() {
		gemm(aTrans, bTrans, m, n, k, alpha, ad, adim[0], bd, bdim[0], beta, cd)
	})
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, func(x float32) float32 {
		return 1 / (1 + math32.Exp(-x))
	})
}

func SigmoidD(x, grad, y Array) Function {
	return binaryFunc("sigmoid_d", x, grad, y, func(x, g float32) float32 {
		s := 1 / (1 + math32.Exp(-x))
		return g * s * (1 - s)
	})
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, math32.Tanh)
}

func TanhD(x, grad, y Array) Function {
	return binaryFunc("tanh_d", x, grad, y, func(x, g float32) float32 {
		t := math32.Tanh(x)
		return g * (1 - t*t)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(x float32) float32 {
		return math32.Max(x, 0)
	})
}

func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Quadratic loss function: (x-y)**2
func QuadraticLoss(x, y, res Array) Function {
	return binaryFunc("quad_loss", x, y, res, func(x, y float32) float32 {
		return (x - y) * (x - y)
	})
}

// Softmax activation function, applied to each column
func Softmax(x, res Array) Function {
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	xd, rd := f32(x), f32(res)
	rows := xdim[0]
	return args("softmax", func() {
		for j := 0; j < xdim[1]; j++ {
			softmax(xd[j*rows:(j+1)*rows], rd[j*rows:(j+1)*rows])
		}
	})
}

// Softmax loss function: categorical cross entropy -x*log(y) where x is the one hot label and y the prediction
func SoftmaxLoss(x, y, res Array) Function {
	xdim, ydim, rdim := x.Dims(), y.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, ydim) || !SameShape(xdim, rdim) {
		panic("SoftmaxLoss: arrays must be 2d and same shape")
	}
	return binaryFunc("softmax_loss", x, y, res, func(x, y float32) float32 {
		if x == 0 {
			return 0
		}
		return -x * math32.Log(math32.Max(y, epsilon))
	})
}

// AdamStep applies one Adam update to w given the gradient dw scaled by gradScale.
// m and v hold the first and second moment estimates, t is the 1 based step number.
func AdamStep(w, dw, m, v Array, gradScale, eta, beta1, beta2, eps float32, t int) Function {
	if !SameShape(w.Dims(), dw.Dims()) || !SameShape(w.Dims(), m.Dims()) || !SameShape(w.Dims(), v.Dims()) {
		panic("AdamStep: arrays must be same shape")
	}
	wd, gd, md, vd := f32(w), f32(dw), f32(m), f32(v)
	return args("adam", func() {
		lr := eta * math32.Sqrt(1-math32.Pow(beta2, float32(t))) / (1 - math32.Pow(beta1, float32(t)))
		for i, g := range gd {
			g *= gradScale
			md[i] = beta1*md[i] + (1-beta1)*g
			vd[i] = beta2*vd[i] + (1-beta2)*g*g
			wd[i] -= lr * md[i] / (math32.Sqrt(vd[i]) + eps)
		}
	})
}

// smallest probability used when taking the log in the loss function
const epsilon = 1e-7

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if !SameShape(x.Dims(), y.Dims()) {
		panic(fmt.Sprintf("%s: arrays must be same shape", name))
	}
	xd, yd := f32(x), f32(y)
	return args(name, func() {
		for i, v := range xd {
			yd[i] = fn(v)
		}
	})
}

func binaryFunc(name string, x, y, z Array, fn func(x, y float32) float32) Function {
	if !SameShape(x.Dims(), z.Dims()) || !SameShape(y.Dims(), z.Dims()) {
		panic(fmt.Sprintf("%s: arrays must be same shape", name))
	}
	xd, yd, zd := f32(x), f32(y), f32(z)
	return args(name, func() {
		for i := range zd {
			zd[i] = fn(xd[i], yd[i])
		}
	})
}

func softmax(x, y []float32) {
	xmax := x[0]
	for _, v := range x[1:] {
		xmax = math32.Max(xmax, v)
	}
	var sum float32
	for i, v := range x {
		y[i] = math32.Exp(v - xmax)
		sum += y[i]
	}
	for i := range y {
		y[i] /= sum
	}
}

func argmax(x []float32) int {
	ix := 0
	for i, v := range x {
		if v > x[ix] {
			ix = i
		}
	}
	return ix
}

// Argmax returns the index of the largest value, the first one wins if there are equal values.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	return argmax(x)
}
