package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_StrictlyIncreasing(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	c := NewClock(func() time.Time { return frozen })

	a := c.Next(0)
	b := c.Next(0)
	assert.Equal(t, int64(1_700_000_000_000), a)
	assert.Equal(t, a+1, b)
}

func TestClock_WallStepsBack(t *testing.T) {
	now := time.UnixMilli(2_000)
	c := NewClock(func() time.Time { return now })
	first := c.Next(0)
	now = time.UnixMilli(1_000)
	assert.Greater(t, c.Next(0), first)
}

func TestClock_FloorAndMark(t *testing.T) {
	c := NewClock(func() time.Time { return time.UnixMilli(1_000) })
	assert.Equal(t, int64(5_001), c.Next(5_000))
	assert.Equal(t, int64(5_001), c.Mark())
	assert.Equal(t, int64(5_002), c.Next(0))
}
