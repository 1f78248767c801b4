package maintenance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindows(t *testing.T) {
	w := ParseWindows("mo[08:00..12:00,13:00..17:30] sa[00:00..24:00]")

	require.Len(t, w, 2)
	assert.Equal(t, []TimeRange{{480, 720}, {780, 1050}}, w[time.Monday])
	assert.Equal(t, []TimeRange{{0, 1440}}, w[time.Saturday])
}

func TestParseWindowsSkipsMalformedTokens(t *testing.T) {
	w := ParseWindows("xx[00:00..01:00] mo[junk] tu[01:00..02:00]")
	require.Len(t, w, 1)
	assert.Contains(t, w, time.Tuesday)
}

func TestParseWindowsEmpty(t *testing.T) {
	assert.True(t, ParseWindows("").Empty())
	assert.False(t, ParseWindows("").Contains(time.Now()))
}

func TestWindowsContains(t *testing.T) {
	w := ParseWindows("we[09:00..10:00]")

	wednesday := time.Date(2024, 3, 6, 9, 30, 0, 0, time.Local)
	require.Equal(t, time.Wednesday, wednesday.Weekday())
	assert.True(t, w.Contains(wednesday))

	// End bound is exclusive.
	assert.False(t, w.Contains(time.Date(2024, 3, 6, 10, 0, 0, 0, time.Local)))
	// Other days never match.
	assert.False(t, w.Contains(time.Date(2024, 3, 7, 9, 30, 0, 0, time.Local)))
}

func TestAlways(t *testing.T) {
	w := Always()
	assert.True(t, w.Contains(time.Now()))
	assert.False(t, w.Empty())
}
