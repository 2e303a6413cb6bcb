package safety

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedOffset struct {
	offset time.Duration
	err    error
}

func (f fixedOffset) Offset() (time.Duration, error) { return f.offset, f.err }

func TestTimeHealthThreshold(t *testing.T) {
	threshold := 2 * time.Second
	cases := []struct {
		name   string
		offset time.Duration
		want   Action
	}{
		{"in sync", 30 * time.Millisecond, ActionSafe},
		{"just under threshold", threshold - time.Millisecond, ActionSafe},
		{"exactly at threshold", threshold, ActionQueueStop},
		{"far past threshold", time.Minute, ActionQueueStop},
		{"negative offset past threshold", -threshold, ActionQueueStop},
		{"negative offset in range", -time.Second, ActionSafe},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			th := NewTimeHealth(fixedOffset{offset: tc.offset}, threshold)
			action, err := th.Check()
			require.NoError(t, err)
			assert.Equal(t, tc.want, action)
		})
	}
}

func TestTimeHealthFailsClosed(t *testing.T) {
	th := NewTimeHealth(fixedOffset{err: errors.New("chronyc not running")}, time.Second)
	action, err := th.Check()
	require.Error(t, err)
	assert.Equal(t, ActionQueueStop, action)
}

func TestTimeHealthStatusCachesLastOffset(t *testing.T) {
	th := NewTimeHealth(fixedOffset{offset: 1500 * time.Millisecond}, 2*time.Second)
	_, err := th.Check()
	require.NoError(t, err)

	st := th.Status()
	assert.Equal(t, 1.5, st["offset_s"])
	assert.Equal(t, 2.0, st["pause_threshold_s"])
}
