package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowRejectsNonPositiveDelta(t *testing.T) {
	v := New()
	require.NoError(t, v.Follow(1, 5))
	assert.Equal(t, uint64(5), v.Get(1))

	err := v.Follow(1, 5)
	assert.Error(t, err, "follow must reject a non-advancing lsn")

	err = v.Follow(1, 3)
	assert.Error(t, err, "follow must reject a regression")
}

func TestIncIsMonotone(t *testing.T) {
	v := New()
	assert.Equal(t, uint64(1), v.Inc(1))
	assert.Equal(t, uint64(2), v.Inc(1))
	assert.Equal(t, uint64(1), v.Inc(2))
	assert.Equal(t, uint64(3), v.Sum())
}

func TestCompare(t *testing.T) {
	a := New()
	a.Set(1, 3)
	a.Set(2, 1)

	b := New()
	b.Set(1, 3)
	b.Set(2, 1)
	assert.Equal(t, Equal, Compare(a, b))

	b.Set(2, 2)
	assert.Equal(t, Less, Compare(a, b))
	assert.Equal(t, Greater, Compare(b, a))

	c := New()
	c.Set(1, 4)
	c.Set(2, 0)
	assert.Equal(t, Incomparable, Compare(a, c))
}

func TestMergeIdentityCommutativeAssociative(t *testing.T) {
	base := New()
	base.Set(1, 5)

	empty := New()
	clone := base.Copy()
	Merge(clone, empty)
	assert.Equal(t, base.Sum(), clone.Sum(), "merge(empty) must be identity")

	d1 := New()
	d1.Set(1, 1)
	d1.Set(2, 2)
	d2 := New()
	d2.Set(1, 3)
	d2.Set(3, 4)

	ab := base.Copy()
	Merge(ab, d1)
	Merge(ab, d2)

	ba := base.Copy()
	Merge(ba, d2)
	Merge(ba, d1)

	assert.Equal(t, ab.Sum(), ba.Sum(), "merge must be commutative")
	assert.Equal(t, ab.Get(1), ba.Get(1))
	assert.Equal(t, ab.Get(2), ba.Get(2))
	assert.Equal(t, ab.Get(3), ba.Get(3))

	d12 := d1.Copy()
	Merge(d12, d2)
	grouped := base.Copy()
	Merge(grouped, d12)
	assert.Equal(t, ab.Get(1), grouped.Get(1), "merge must be associative")
	assert.Equal(t, ab.Get(2), grouped.Get(2))
	assert.Equal(t, ab.Get(3), grouped.Get(3))
}

func TestLessOrEqual(t *testing.T) {
	cp := New()
	cp.Set(1, 10)
	cp.Set(2, 5)

	start := New()
	start.Set(1, 3)
	assert.True(t, LessOrEqual(start, cp))

	start.Set(2, 6)
	assert.False(t, LessOrEqual(start, cp))
}

func TestMin(t *testing.T) {
	a := New()
	a.Set(1, 10)
	a.Set(2, 3)
	b := New()
	b.Set(1, 4)
	b.Set(2, 9)

	m := Min(a, b)
	assert.Equal(t, uint64(4), m.Get(1))
	assert.Equal(t, uint64(3), m.Get(2))
}
