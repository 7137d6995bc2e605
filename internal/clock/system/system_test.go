package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	require.NotNil(t, clk)

	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after), "expected %v within [%v, %v]", got, before, after)
}

func TestClockNowTruncatesToMicroseconds(t *testing.T) {
	t.Parallel()

	got := New().Now()
	assert.Zero(t, got.Nanosecond()%int(time.Microsecond))

	second := New().Now()
	assert.False(t, second.Before(got))
}
