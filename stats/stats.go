// Package stats has small helpers for summarising training runs and predictions.
package stats

import "math"

// Calc exponentional moving average over n points
type EMA float64

func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
type Average struct {
	Count, Mean float64
	Var, StdDev float64
	oldM, oldV  float64
}

func (s *Average) Add(x float64) {
	s.Count++
	if s.Count == 1 {
		s.oldM, s.Mean = x, x
		s.oldV = 0
	} else {
		s.Mean = s.oldM + (x-s.oldM)/s.Count
		s.Var = s.oldV + (x-s.oldM)*(x-s.Mean)
		s.oldM, s.oldV = s.Mean, s.Var
		s.StdDev = math.Sqrt(s.Var / (s.Count - 1))
	}
}

// Count returns the number of times value occurs in list
func Count[T comparable](list []T, value T) int {
	n := 0
	for _, v := range list {
		if v == value {
			n++
		}
	}
	return n
}

// Mode returns the most common value in a non-empty list and the number of times it occurs.
// Ties go to the value which is seen first.
func Mode[T comparable](list []T) (mode T, count int) {
	seen := make(map[T]int, len(list))
	for _, v := range list {
		seen[v]++
	}
	for _, v := range list {
		if n := seen[v]; n > count {
			mode, count = v, n
		}
	}
	return mode, count
}
