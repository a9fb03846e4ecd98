package features

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes feature columns to zero mean and unit variance.
// Fitted parameters travel inside the model bundle so inference applies the
// exact training-time transform. Fields are exported for gob.
type Scaler struct {
	Mean []float64
	Std  []float64
}

// FitScaler computes per-column statistics over the training matrix.
func FitScaler(data [][]float64) (*Scaler, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	dim := len(data[0])

	col := make([]float64, len(data))
	s := &Scaler{
		Mean: make([]float64, dim),
		Std:  make([]float64, dim),
	}
	for j := 0; j < dim; j++ {
		for i, row := range data {
			if len(row) != dim {
				return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), dim)
			}
			col[i] = row[j]
		}
		s.Mean[j] = stat.Mean(col, nil)
		s.Std[j] = stat.StdDev(col, nil)
		// Constant columns pass through unscaled.
		if s.Std[j] == 0 || len(data) < 2 {
			s.Std[j] = 1
		}
	}
	return s, nil
}

// Dim returns the number of feature columns the scaler was fitted on.
func (s *Scaler) Dim() int { return len(s.Mean) }

// Transform standardizes one vector.
func (s *Scaler) Transform(v []float64) ([]float64, error) {
	if len(v) != len(s.Mean) {
		return nil, fmt.Errorf("vector has %d features, scaler fitted on %d", len(v), len(s.Mean))
	}
	out := make([]float64, len(v))
	for j := range v {
		out[j] = (v[j] - s.Mean[j]) / s.Std[j]
	}
	return out, nil
}

// TransformAll standardizes a batch, preserving order.
func (s *Scaler) TransformAll(data [][]float64) ([][]float64, error) {
	out := make([][]float64, len(data))
	for i, v := range data {
		t, err := s.Transform(v)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}
