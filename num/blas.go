package num

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Arrays are column major while blas32 works on row major matrices, so a column major matrix
// with the given number of rows and columns is passed to blas as its row major transpose.
func rowMajor(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: cols, Cols: rows, Stride: rows, Data: data[:rows*cols]}
}

func blasTrans(t TransType) blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// c <- alpha*op(a)*op(b) + beta*c where op(a) is m x k, op(b) is k x n and lda, ldb are the
// number of rows in a and b as stored.
func gemm(aTrans, bTrans TransType, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32) {
	if m == 0 || n == 0 {
		return
	}
	ga := rowMajor(a, lda, m*k/lda)
	gb := rowMajor(b, ldb, k*n/ldb)
	gc := rowMajor(c, m, n)
	// (A.B)^T = B^T.A^T
	blas32.Gemm(blasTrans(bTrans), blasTrans(aTrans), alpha, gb, ga, beta, gc)
}

// y <- alpha*op(a)*x + beta*y where a is an m x n column major matrix
func gemv(aTrans TransType, m, n int, alpha float32, a, x []float32, beta float32, y []float32) {
	t := blas.Trans
	if aTrans == Trans {
		t = blas.NoTrans
	}
	blas32.Gemv(t, alpha, rowMajor(a, m, n),
		blas32.Vector{N: len(x), Data: x, Inc: 1}, beta,
		blas32.Vector{N: len(y), Data: y, Inc: 1})
}

// y <- alpha*x + y
func axpy(alpha float32, x, y []float32) {
	blas32.Axpy(alpha, blas32.Vector{N: len(x), Data: x, Inc: 1}, blas32.Vector{N: len(y), Data: y, Inc: 1})
}
