package wheel

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolOf(pairs ...any) *Pool {
	p := NewPool()
	for i := 0; i < len(pairs); i += 2 {
		p.Set(pairs[i].(string), pairs[i+1].(float64))
	}
	return p
}

func TestAngularRange_AliceAndBob(t *testing.T) {
	pool := poolOf("Alice", 70.0, "Bob", 30.0)

	assert.Equal(t, Range{Start: 0, End: 252}, AngularRange("Alice", pool))
	assert.Equal(t, Range{Start: 252, End: 360}, AngularRange("Bob", pool))
}

func TestAngularRange_EmptyCases(t *testing.T) {
	pool := poolOf("Alice", 70.0, "Zero", 0.0, "Bob", 30.0)

	assert.Equal(t, Range{}, AngularRange("Zero", pool), "zero weight gets an empty slice")
	assert.Equal(t, Range{}, AngularRange("Carol", pool), "absent address gets an empty slice")
	assert.Equal(t, Range{Start: 252, End: 360}, AngularRange("Bob", pool))

	empty := poolOf("Alice", 0.0, "Bob", 0.0)
	assert.Equal(t, Range{}, AngularRange("Alice", empty))
	assert.Equal(t, Range{}, AngularRange("Alice", nil))
}

func TestAngularRange_CaseInsensitive(t *testing.T) {
	pool := poolOf("0xAbC1", 1.0, "0xdef2", 3.0)
	assert.Equal(t, AngularRange("0xabc1", pool), AngularRange("0xABC1", pool))
	assert.Equal(t, Range{Start: 90, End: 360}, AngularRange("0xDEF2", pool))
}

func TestPool_AddMergesCaseVariants(t *testing.T) {
	pool := NewPool()
	pool.Add("0xAbCd01", 10)
	pool.Add("0xabcd01", 20)
	pool.Add("0xEf02", 0)

	require.Equal(t, 2, pool.Len())
	w, ok := pool.Weight("0xABCD01")
	require.True(t, ok)
	assert.Equal(t, 30.0, w)
	assert.Equal(t, []string{"0xAbCd01", "0xEf02"}, pool.Addresses())
	assert.False(t, pool.Has("0xef02"))
	assert.Equal(t, Range{Start: 0, End: 360}, AngularRange("0xabcd01", pool))
}

func TestAngularRange_PartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.IntN(40)
		pool := NewPool()
		for i := 0; i < n; i++ {
			pool.Set("p"+strconv.Itoa(i), 1+rng.Float64()*99)
		}

		prevEnd := 0.0
		for _, addr := range pool.Addresses() {
			r := AngularRange(addr, pool)
			require.Equal(t, prevEnd, r.Start, "trial %d: gap or overlap before %s", trial, addr)
			require.Greater(t, r.End, r.Start)
			prevEnd = r.End
		}
		require.Equal(t, FullCircle, prevEnd, "trial %d: ranges must end at 360", trial)
	}
}

func TestSlices_MatchAngularRange(t *testing.T) {
	pool := poolOf("a", 1.0, "b", 0.0, "c", 2.5, "d", 6.5)
	for _, s := range Slices(pool) {
		assert.Equal(t, AngularRange(s.Address, pool), s.Range, s.Address)
	}
}

func TestTargetAngle_StrictlyInsideSlice(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))

	for trial := 0; trial < 100; trial++ {
		pool := NewPool()
		n := 1 + rng.IntN(20)
		for i := 0; i < n; i++ {
			pool.Set("p"+strconv.Itoa(i), 1+rng.Float64()*99)
		}
		for _, addr := range pool.Addresses() {
			r := AngularRange(addr, pool)
			for _, jitter := range []float64{-0.8, -0.5, -0.1, 0, 0.3, 0.79, 0.8} {
				target := TargetAngle(r, jitter)
				assert.Greater(t, target, r.Start)
				assert.Less(t, target, r.End)
			}
		}
	}
}

func TestTargetAngle_ClampsJitter(t *testing.T) {
	r := Range{Start: 0, End: 100}
	assert.Equal(t, 50.0, TargetAngle(r, 0))
	assert.Equal(t, 90.0, TargetAngle(r, 0.8))
	assert.Equal(t, 90.0, TargetAngle(r, 5))
	assert.Equal(t, 10.0, TargetAngle(r, -5))
}

func TestRotationFor(t *testing.T) {
	assert.Equal(t, 1800.0+126.0, RotationFor(126, 5))
	assert.Equal(t, 42.0, RotationFor(42, 0))
}

func TestPlan_Deterministic(t *testing.T) {
	pool := poolOf("Alice", 70.0, "Bob", 30.0)

	spin, err := Plan(pool, "bob", FixedSource(0.5), DefaultFullRotations)
	require.NoError(t, err)

	// Bob owns [252,360): midpoint 306, half-width 54, jitter 0.5*0.8 = 0.4.
	assert.Equal(t, Range{Start: 252, End: 360}, spin.Range)
	assert.InDelta(t, 0.4, spin.Jitter, 1e-12)
	assert.InDelta(t, 306+54*0.4, spin.TargetAngle, 1e-9)
	assert.InDelta(t, 1800+306+54*0.4, spin.Rotation, 1e-9)
	assert.Equal(t, -spin.TargetAngle, spin.RestAngle)

	again, err := Plan(pool, "bob", FixedSource(0.5), DefaultFullRotations)
	require.NoError(t, err)
	assert.Equal(t, spin, again)
}

func TestPlan_RefusesInvalidInput(t *testing.T) {
	_, err := Plan(NewPool(), "alice", FixedSource(0), 5)
	assert.ErrorIs(t, err, ErrNoParticipants)

	_, err = Plan(poolOf("Alice", 0.0), "Alice", FixedSource(0), 5)
	assert.ErrorIs(t, err, ErrNoParticipants)

	_, err = Plan(poolOf("Alice", 1.0, "Zero", 0.0), "Zero", FixedSource(0), 5)
	assert.True(t, errors.Is(err, ErrWinnerNotInPool))

	_, err = Plan(poolOf("Alice", 1.0), "Mallory", FixedSource(0), 5)
	assert.ErrorIs(t, err, ErrWinnerNotInPool)
}

func TestPool_SetKeepsPosition(t *testing.T) {
	pool := poolOf("a", 1.0, "b", 1.0)
	pool.Set("A", 3.0)
	pool.Set("c", -2.0)

	assert.Equal(t, []string{"a", "b", "c"}, pool.Addresses())
	w, ok := pool.Weight("a")
	require.True(t, ok)
	assert.Equal(t, 3.0, w)
	assert.False(t, pool.Has("c"))
	assert.Equal(t, 4.0, pool.Total())
}

func TestSeededSource_StaysInBounds(t *testing.T) {
	src := NewSeededSource(42)
	for i := 0; i < 1000; i++ {
		j := Jitter(src)
		require.GreaterOrEqual(t, j, -MaxJitter)
		require.LessOrEqual(t, j, MaxJitter)
	}
	def := DefaultSource()
	v := def.Next()
	assert.True(t, v >= -1 && v <= 1)
}
