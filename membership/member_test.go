package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Flags(t *testing.T) {
	assert.True(t, StateAlive.IsActive())
	assert.True(t, StateAlive.IsReachable())

	assert.True(t, StateSuspect.IsActive())
	assert.False(t, StateSuspect.IsReachable())

	assert.False(t, StateDead.IsActive())
	assert.False(t, StateDead.IsReachable())
}

func TestState_Ordering(t *testing.T) {
	require.True(t, StateAlive < StateSuspect)
	require.True(t, StateSuspect < StateDead)
}

func TestRecord_CopyIsolation(t *testing.T) {
	rec := newRecord(Member{
		ID:         "a",
		Addr:       "a:7946",
		Version:    "1",
		Properties: map[string]string{"k": "v"},
		Term:       7,
	})

	snap := rec.copy()

	rec.mergeProperties(map[string]string{"k": "changed"})

	require.Equal(t, "v", snap.Properties["k"])
	require.Equal(t, "changed", rec.properties["k"])
}

func TestRecord_SetStateStampsTimestamp(t *testing.T) {
	rec := newRecord(Member{ID: "a", Version: "1"})

	before := rec.timestamp
	time.Sleep(time.Millisecond)

	rec.setState(rec.state) // no change, no stamp
	require.Equal(t, before, rec.timestamp)

	rec.setState(StateSuspect)
	require.True(t, rec.timestamp.After(before))
}

func TestMember_Hash64(t *testing.T) {
	a := Member{ID: "a", Version: "1", Term: 1}
	b := Member{ID: "b", Version: "1", Term: 1}

	require.NotEqual(t, a.Hash64(), b.Hash64())
	require.Equal(t, a.Hash64(), a.Hash64())

	aged := a
	aged.Term++
	require.NotEqual(t, a.Hash64(), aged.Hash64())
}
