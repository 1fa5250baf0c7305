package rng

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextAdvancesCursorWithoutOverlap(t *testing.T) {
	Reset()
	defer Reset()

	first := Next(2)
	second := Next(2)

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	require.NotEqual(t, first[0], second[0])
	require.NotEqual(t, first[1], second[1])
}

func TestNextIsDeterministicForSameIndex(t *testing.T) {
	Reset()
	a := Next(1)
	Reset()
	b := Next(1)
	require.Equal(t, a, b)
}

func TestNextZeroOrNegativeReturnsNil(t *testing.T) {
	require.Nil(t, Next(0))
	require.Nil(t, Next(-1))
}
