package timeutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextMonotonic(t *testing.T) {
	m := New()
	m.SetInterval(5)
	first := m.Next(1000)
	require.Equal(t, uint64(1005), first)
	second := m.Next(first)
	require.Equal(t, uint64(1010), second)
}

func TestSetNextBlockTimestampOneShot(t *testing.T) {
	m := New()
	m.SetInterval(5)
	m.SetNextBlockTimestamp(5000)

	require.Equal(t, uint64(5000), m.Next(1000))
	// forced value is consumed; falls back to interval mode next call
	require.Equal(t, uint64(5005), m.Next(5000))
}

func TestNextNeverGoesBackwardsOrTies(t *testing.T) {
	m := New()
	m.SetNextBlockTimestamp(100)
	require.Equal(t, uint64(101), m.Next(100))
}

func TestIncreaseTimeAccumulates(t *testing.T) {
	m := New()
	require.Equal(t, int64(30), m.IncreaseTime(30))
	require.Equal(t, int64(50), m.IncreaseTime(20))
}

func TestResetClearsOffsetAndForcedNext(t *testing.T) {
	m := New()
	m.IncreaseTime(1000)
	m.SetNextBlockTimestamp(99999)
	m.SetInterval(5)

	m.Reset(200)
	require.Equal(t, int64(0), m.IncreaseTime(0))
	require.Equal(t, uint64(205), m.Next(200))
	require.Equal(t, uint64(210), m.Next(205))
}
