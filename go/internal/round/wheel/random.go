package wheel

import "math/rand/v2"

// RandomSource yields floats in [-1, 1].
type RandomSource interface {
	Next() float64
}

// Jitter draws a jitter value in [-MaxJitter, MaxJitter] from src.
func Jitter(src RandomSource) float64 {
	return clampJitter(src.Next() * MaxJitter)
}

// FixedSource always returns the same value. Tests use it to pin the jitter.
type FixedSource float64

func (f FixedSource) Next() float64 {
	return float64(f)
}

type mathSource struct {
	r *rand.Rand
}

func (s mathSource) Next() float64 {
	if s.r == nil {
		return rand.Float64()*2 - 1
	}
	return s.r.Float64()*2 - 1
}

// DefaultSource returns a source backed by the runtime-seeded generator.
func DefaultSource() RandomSource {
	return mathSource{}
}

// NewSeededSource returns a reproducible source.
func NewSeededSource(seed uint64) RandomSource {
	return mathSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}
