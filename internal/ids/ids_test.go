package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrefixAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New(Transaction)
		require.True(t, HasKind(id, Transaction), id)
		assert.Len(t, id, len("tx-")+16)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestHasKind(t *testing.T) {
	assert.True(t, HasKind("gd-abc", Decision))
	assert.False(t, HasKind("gd-", Decision))
	assert.False(t, HasKind("cd-abc", Decision))
}

func TestUTCNowISOParses(t *testing.T) {
	ts, err := time.Parse(TimeFormat, UTCNowISO())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, 2*time.Second)
}
