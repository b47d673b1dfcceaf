package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInts(t *testing.T) {
	got, err := parseInts(" 1, 2,3 ")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)

	got, err = parseInts("  ")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseInts("1,x")
	assert.Error(t, err)
}

func TestHeadSchedule(t *testing.T) {
	schedule, err := headSchedule(3, []int{2, 1}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 2, 1, 0}, schedule)

	schedule, err = headSchedule(1, []int{1, 1, 1}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, schedule, "extra heads are dropped")

	schedule, err = headSchedule(2, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, schedule)
}

func TestHeadSchedule_Invalid(t *testing.T) {
	_, err := headSchedule(0, nil, 3)
	assert.ErrorContains(t, err, "at least one token")

	assert.NotPanics(t, func() {
		_, err = headSchedule(2, []int{1}, -1)
	})
	assert.ErrorContains(t, err, "non-negative")
}
