package bloom

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func idFor(i int) []byte {
	var b [20]byte
	binary.BigEndian.PutUint64(b[12:], uint64(i))
	return b[:]
}

func TestNoFalseNegatives(t *testing.T) {
	f, err := New(Plain, 0.01, 1000)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		f.Add(idFor(i))
	}
	for i := 0; i < 1000; i++ {
		require.True(t, f.Has(idFor(i)), "inserted id %d must be reported present", i)
	}
}

func TestFalsePositiveRateBounded(t *testing.T) {
	const capacity = 1000
	const errorRate = 0.01
	f, err := New(Plain, errorRate, capacity)
	require.NoError(t, err)

	for i := 0; i < capacity; i++ {
		f.Add(idFor(i))
	}

	falsePositives := 0
	const trials = 5000
	for i := capacity; i < capacity+trials; i++ {
		if f.Has(idFor(i)) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	require.Less(t, rate, errorRate*3, "empirical false-positive rate should stay within a small multiple of the target")
}

func TestCountingRemove(t *testing.T) {
	f, err := New(Counting, 0.01, 100)
	require.NoError(t, err)

	f.Add(idFor(1))
	require.True(t, f.Has(idFor(1)))
	f.Remove(idFor(1))
	require.False(t, f.Has(idFor(1)))
}

func TestMergePlain(t *testing.T) {
	a, err := New(Plain, 0.01, 100)
	require.NoError(t, err)
	b := a.Clone()

	a.Add(idFor(1))
	b.Add(idFor(2))

	require.NoError(t, a.Merge(b))
	require.True(t, a.Has(idFor(1)))
	require.True(t, a.Has(idFor(2)))
}

func TestCountingProjectsToPlain(t *testing.T) {
	c, err := New(Counting, 0.01, 100)
	require.NoError(t, err)
	c.Add(idFor(5))

	p := c.ToPlain()
	require.Equal(t, Plain, p.Kind())
	require.True(t, p.Has(idFor(5)))
	require.False(t, p.Has(idFor(6)))
}

func TestWireRoundTrip(t *testing.T) {
	f, err := New(Plain, 0.01, 64)
	require.NoError(t, err)
	f.Add(idFor(42))

	encoded := f.ToBase64()
	decoded, err := FromBase64(encoded)
	require.NoError(t, err)

	require.Equal(t, f.K(), decoded.K())
	require.Equal(t, f.M(), decoded.M())
	require.True(t, decoded.Has(idFor(42)))
	require.False(t, decoded.Has(idFor(43)))
}

func TestRejectsInvalidConstruction(t *testing.T) {
	_, err := New(Plain, 0, 10)
	require.Error(t, err)

	_, err = New(Plain, 0.01, 0)
	require.Error(t, err)
}
