package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 3, 9, 15, 0, 123, time.UTC)
	c, err := Decode(Encode(at, "8f14e45f-ceea-467a-9575-1a2b3c4d5e6f"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, at.Equal(c.At))
	assert.Equal(t, "8f14e45f-ceea-467a-9575-1a2b3c4d5e6f", c.ID)
}

func TestDecode(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{"%%%", "bm9waXBl", "YWJjfA", "eHx5"} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestCursor_Before(t *testing.T) {
	at := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	c := &Cursor{At: at, ID: "m"}

	assert.True(t, c.Before(at.Add(-time.Second), "z"))
	assert.False(t, c.Before(at.Add(time.Second), "a"))
	assert.True(t, c.Before(at, "a"), "same instant orders by id")
	assert.False(t, c.Before(at, "m"), "the cursor item itself is excluded")

	var none *Cursor
	assert.True(t, none.Before(at, "x"))
}

func TestComputePage(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return base, s }

	items, next, more := ComputePage([]string{"c", "b"}, 2, key)
	assert.Equal(t, []string{"c", "b"}, items)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"d", "c", "b"}, 2, key)
	assert.Equal(t, []string{"d", "c"}, items)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
