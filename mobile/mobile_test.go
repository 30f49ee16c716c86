package mobile

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	assert.Equal(t, `{"running":false}`, GetStatus())
	assert.Contains(t, DeviceStatus("dev-1"), "daemon not running")

	yaml := fmt.Sprintf("api:\n  port: %d\nstore:\n  backend: bolt\nsweep:\n  on_boot: false\n", port)
	require.NoError(t, Start(yaml, t.TempDir()))
	defer Stop()
	assert.True(t, IsRunning())
	assert.Error(t, Start(yaml, t.TempDir()), "second start is rejected")
	assert.Equal(t, port, GetAPIPort())

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(StartMining("dev-1")), &snap))
	assert.Equal(t, true, snap["isMining"])

	assert.Empty(t, Heartbeat("dev-1"))
	assert.NotEmpty(t, Heartbeat("ghost"))

	require.NoError(t, json.Unmarshal([]byte(DeviceStatus("dev-1")), &snap))
	assert.Equal(t, "dev-1", snap["deviceId"])
	assert.Equal(t, "0", snap["balance"])

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(GetStatus()), &status))
	assert.Equal(t, "bolt", status["store"])
	assert.Contains(t, status, "resources")

	Stop()
	assert.False(t, IsRunning())
}
