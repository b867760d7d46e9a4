package monitor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthOverallTracksWorst(t *testing.T) {
	h := NewHealth()
	assert.Equal(t, StateHealthy, h.Overall())
	assert.Equal(t, 0, h.ExitCode())

	h.Set(ComponentGateway, StateHealthy, "")
	h.Set(ComponentDistributor, StateDegraded, "rebalance stalled")
	assert.Equal(t, StateDegraded, h.Overall())
	assert.Equal(t, 1, h.ExitCode())

	h.Set(ComponentRaft, StateErrored, "no quorum")
	assert.Equal(t, StateErrored, h.Overall())
	assert.Equal(t, 2, h.ExitCode())

	h.Set(ComponentStorage, StateCritical, "volume gone")
	assert.Equal(t, StateCritical, h.Overall())
	assert.Equal(t, 3, h.ExitCode())

	// Recovering the worst components drops the overall state back.
	h.Set(ComponentStorage, StateHealthy, "")
	h.Set(ComponentRaft, StateHealthy, "")
	assert.Equal(t, StateDegraded, h.Overall())
}

func TestHealthSnapshotIsACopy(t *testing.T) {
	h := NewHealth()
	h.Set(ComponentStorage, StateErrored, "open failed")

	snap := h.Snapshot()
	h.Set(ComponentStorage, StateHealthy, "")

	assert.Equal(t, StateErrored, snap[ComponentStorage].State)
	assert.Equal(t, StateHealthy, h.Snapshot()[ComponentStorage].State)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "errored", StateErrored.String())
	assert.Equal(t, "critical", StateCritical.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestStateMarshalsAsName(t *testing.T) {
	buf, err := json.Marshal(StateDegraded)
	require.NoError(t, err)
	assert.Equal(t, `"degraded"`, string(buf))
}
