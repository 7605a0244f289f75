package similarity

import (
	"fmt"
	"math"

	"github.com/thebtf/promptcluster/pkg/models"
)

// SymmetryTolerance is the largest allowed difference between sim(i,j) and sim(j,i).
const SymmetryTolerance = 1e-9

// Matrix is a dense symmetric N×N similarity matrix stored row-major.
type Matrix struct {
	data []float64
	n    int
}

// NewMatrix returns an n×n matrix with ones on the diagonal and zeros elsewhere.
func NewMatrix(n int) *Matrix {
	if n < 0 {
		n = 0
	}
	m := &Matrix{n: n, data: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		m.data[i*n+i] = 1
	}
	return m
}

// NewMatrixFromRows builds a matrix from externally supplied rows and validates it.
// A ragged or asymmetric input fails with a *models.DataIntegrityError.
func NewMatrixFromRows(rows [][]float64) (*Matrix, error) {
	n := len(rows)
	m := &Matrix{n: n, data: make([]float64, n*n)}
	for i, row := range rows {
		if len(row) != n {
			return nil, &models.DataIntegrityError{
				Reason: fmt.Sprintf("similarity matrix is not square: row %d has %d columns, want %d", i, len(row), n),
			}
		}
		copy(m.data[i*n:(i+1)*n], row)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Size returns N.
func (m *Matrix) Size() int {
	if m == nil {
		return 0
	}
	return m.n
}

// At returns sim(i, j).
func (m *Matrix) At(i, j int) float64 {
	return m.data[i*m.n+j]
}

// Set stores v at both (i, j) and (j, i).
func (m *Matrix) Set(i, j int, v float64) {
	m.data[i*m.n+j] = v
	m.data[j*m.n+i] = v
}

// Row returns a copy of row i.
func (m *Matrix) Row(i int) []float64 {
	row := make([]float64, m.n)
	copy(row, m.data[i*m.n:(i+1)*m.n])
	return row
}

// Rows returns a copy of the whole matrix as nested slices.
func (m *Matrix) Rows() [][]float64 {
	rows := make([][]float64, m.n)
	for i := range rows {
		rows[i] = m.Row(i)
	}
	return rows
}

// Sub returns the similarities among the given indices, in the given order.
func (m *Matrix) Sub(indices []int) [][]float64 {
	out := make([][]float64, len(indices))
	for a, i := range indices {
		out[a] = make([]float64, len(indices))
		for b, j := range indices {
			out[a][b] = m.At(i, j)
		}
	}
	return out
}

// Validate checks the matrix invariants: square storage, symmetry within
// SymmetryTolerance and off-diagonal values in [-1, 1]. The diagonal is not
// inspected since it never takes part in clustering.
func (m *Matrix) Validate() error {
	if m == nil {
		return &models.DataIntegrityError{Reason: "similarity matrix is nil"}
	}
	if len(m.data) != m.n*m.n {
		return &models.DataIntegrityError{
			Reason: fmt.Sprintf("similarity matrix is not square: %d cells for size %d", len(m.data), m.n),
		}
	}
	for i := 0; i < m.n; i++ {
		for j := i + 1; j < m.n; j++ {
			a, b := m.At(i, j), m.At(j, i)
			if math.IsNaN(a) || math.IsNaN(b) {
				return &models.DataIntegrityError{Reason: fmt.Sprintf("similarity (%d,%d) is NaN", i, j)}
			}
			if math.Abs(a-b) > SymmetryTolerance {
				return &models.DataIntegrityError{
					Reason: fmt.Sprintf("similarity matrix is asymmetric at (%d,%d): %g != %g", i, j, a, b),
				}
			}
			if a < -1-SymmetryTolerance || a > 1+SymmetryTolerance {
				return &models.DataIntegrityError{
					Reason: fmt.Sprintf("similarity (%d,%d) = %g is outside [-1, 1]", i, j, a),
				}
			}
		}
	}
	return nil
}
