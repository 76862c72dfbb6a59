// Package wheel maps a weighted pool of participants onto a circle and
// computes where a spin has to stop so the pointer lands inside the winner's
// own slice.
package wheel

import (
	"errors"
	"fmt"
)

const (
	FullCircle = 360.0

	// MaxJitter bounds how far from the slice midpoint a target may land,
	// as a fraction of the half-width.
	MaxJitter = 0.8

	DefaultFullRotations = 5
)

var (
	// ErrNoParticipants is returned when the pool has no positive weight.
	ErrNoParticipants = errors.New("no participants")
	// ErrWinnerNotInPool is returned when the winner has no slice.
	ErrWinnerNotInPool = errors.New("winner not in pool")
)

// Range is an angular range in degrees, [Start, End).
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Width returns End - Start.
func (r Range) Width() float64 {
	return r.End - r.Start
}

// Empty reports whether the range covers no angle.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Contains reports whether deg lies in [Start, End).
func (r Range) Contains(deg float64) bool {
	return deg >= r.Start && deg < r.End
}

// Slice is one participant's share of the wheel.
type Slice struct {
	Address string  `json:"address"`
	Weight  float64 `json:"weight"`
	Range   Range   `json:"range"`
}

// AngularRange returns the slice of the wheel owned by address. Every
// participant visited before address contributes 360*w/W to the start.
// Boundaries are derived from the cumulative weight so adjacent slices share
// exactly the same boundary value and the last slice ends at exactly 360.
func AngularRange(address string, pool *Pool) Range {
	if pool == nil {
		return Range{}
	}
	i, ok := pool.index[key(address)]
	if !ok || pool.weights[i] <= 0 {
		return Range{}
	}
	total := pool.Total()
	if total <= 0 {
		return Range{}
	}

	var before float64
	for j := 0; j < i; j++ {
		before += pool.weights[j]
	}
	return Range{
		Start: boundary(before, total),
		End:   boundary(before+pool.weights[i], total),
	}
}

// Slices returns every participant's slice in iteration order.
func Slices(pool *Pool) []Slice {
	if pool == nil {
		return nil
	}
	total := pool.Total()
	out := make([]Slice, 0, len(pool.addresses))
	var cum float64
	for i, addr := range pool.addresses {
		w := pool.weights[i]
		s := Slice{Address: addr, Weight: w}
		if total > 0 && w > 0 {
			s.Range = Range{Start: boundary(cum, total), End: boundary(cum+w, total)}
		}
		cum += w
		out = append(out, s)
	}
	return out
}

func boundary(cum, total float64) float64 {
	if cum >= total {
		return FullCircle
	}
	return FullCircle * cum / total
}

// TargetAngle returns the point the pointer should stop at: the midpoint of
// the range moved by jitter half-widths. Jitter is clamped to
// [-MaxJitter, MaxJitter] so the target never touches a slice boundary.
func TargetAngle(r Range, jitter float64) float64 {
	jitter = clampJitter(jitter)
	half := r.Width() / 2
	return r.Start + half + half*jitter
}

// RotationFor returns the total rotation needed to land on target after
// fullRotations complete turns. Presentation applies it as a negative
// (clockwise) rotation.
func RotationFor(target float64, fullRotations int) float64 {
	return FullCircle*float64(fullRotations) + target
}

// Spin is everything the presentation layer needs to animate a reveal.
type Spin struct {
	Winner        string  `json:"winner"`
	Range         Range   `json:"range"`
	Jitter        float64 `json:"jitter"`
	TargetAngle   float64 `json:"target_angle"`
	FullRotations int     `json:"full_rotations"`
	// Rotation is applied as -Rotation over the spin duration.
	Rotation float64 `json:"rotation"`
	// RestAngle is the orientation to snap to, without transition, once the
	// animation has finished so a re-render does not replay the spin.
	RestAngle float64 `json:"rest_angle"`
}

// Plan computes the spin for winner. It refuses to spin when the pool is
// empty or the winner owns no slice; selecting a zero-weight winner is an
// authority data error.
func Plan(pool *Pool, winner string, src RandomSource, fullRotations int) (Spin, error) {
	if pool.Total() <= 0 {
		return Spin{}, ErrNoParticipants
	}
	if !pool.Has(winner) {
		return Spin{}, fmt.Errorf("%w: %s", ErrWinnerNotInPool, winner)
	}
	if src == nil {
		src = DefaultSource()
	}

	r := AngularRange(winner, pool)
	jitter := Jitter(src)
	target := TargetAngle(r, jitter)

	return Spin{
		Winner:        winner,
		Range:         r,
		Jitter:        jitter,
		TargetAngle:   target,
		FullRotations: fullRotations,
		Rotation:      RotationFor(target, fullRotations),
		RestAngle:     -target,
	}, nil
}

func clampJitter(j float64) float64 {
	if j > MaxJitter {
		return MaxJitter
	}
	if j < -MaxJitter {
		return -MaxJitter
	}
	return j
}
