package similarity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/suite"
)

// CosineSuite covers cosine similarity edge cases.
type CosineSuite struct {
	suite.Suite
}

func TestCosineSuite(t *testing.T) {
	suite.Run(t, new(CosineSuite))
}

func (s *CosineSuite) TestIdenticalVectors() {
	s.InDelta(1.0, CosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-12)
}

func (s *CosineSuite) TestScaledVectorsAreParallel() {
	s.InDelta(1.0, CosineSimilarity([]float64{1, 2, 3}, []float64{10, 20, 30}), 1e-12)
}

func (s *CosineSuite) TestOrthogonal() {
	s.InDelta(0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-12)
}

func (s *CosineSuite) TestOpposite() {
	s.InDelta(-1.0, CosineSimilarity([]float64{1, 2}, []float64{-1, -2}), 1e-12)
}

func (s *CosineSuite) TestKnownAngle() {
	// 45 degrees
	s.InDelta(math.Sqrt2/2, CosineSimilarity([]float64{1, 0}, []float64{1, 1}), 1e-12)
}

func (s *CosineSuite) TestZeroNormYieldsZero() {
	s.Equal(0.0, CosineSimilarity([]float64{0, 0, 0}, []float64{1, 2, 3}))
	s.Equal(0.0, CosineSimilarity([]float64{1, 2, 3}, []float64{0, 0, 0}))
}

func (s *CosineSuite) TestLengthMismatchYieldsZero() {
	s.Equal(0.0, CosineSimilarity([]float64{1, 2}, []float64{1, 2, 3}))
}

func (s *CosineSuite) TestEmptyYieldsZero() {
	s.Equal(0.0, CosineSimilarity(nil, nil))
}

func (s *CosineSuite) TestSymmetric() {
	a := []float64{0.3, -1.2, 4.5, 0.01}
	b := []float64{2.2, 0.7, -0.4, 3.3}
	s.Equal(CosineSimilarity(a, b), CosineSimilarity(b, a))
}

func (s *CosineSuite) TestStaysInUnitInterval() {
	v := []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1}
	sim := CosineSimilarity(v, v)
	s.LessOrEqual(sim, 1.0)
	s.GreaterOrEqual(sim, -1.0)
}
