package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blelink/config"
)

func TestDefaultFillsSensibleValues(t *testing.T) {
	o := config.Default()
	require.Equal(t, 23, o.MTU)
	require.Equal(t, 20, o.DefaultDspsChunkSize)
	require.Equal(t, "\r\n", o.EndOfLine)
	require.Equal(t, time.Second, o.DspsStatsInterval)
	require.True(t, o.GattQueuePriority)
	require.True(t, o.AppendEndOfLine)
	require.False(t, o.TrailingZero)
}

func TestLoadJSONOverridesAndDefaults(t *testing.T) {
	o, err := config.LoadJSON([]byte(`{
		"mtu": 247,
		"gatt_queue_priority": false,
		"trailing_zero": true
	}`))
	require.NoError(t, err)
	require.Equal(t, 247, o.MTU)
	require.False(t, o.GattQueuePriority, "an explicit false must survive loading")
	require.True(t, o.TrailingZero)
	require.Equal(t, "\r\n", o.EndOfLine, "absent fields keep their defaults")
	require.True(t, o.RequestMTU)
}

func TestLoadYAML(t *testing.T) {
	o, err := config.LoadYAML([]byte("dsps_pending_max: 1024\nhost_binary_request: true\n"))
	require.NoError(t, err)
	require.Equal(t, 1024, o.DspsPendingMax)
	require.True(t, o.HostBinaryRequest)
}

func TestDspsChunkSizeNeverExceedsCeiling(t *testing.T) {
	o := config.Default()
	o.DspsChunkSizeIncreaseToMTU = false
	o.DefaultDspsChunkSize = 400
	require.Equal(t, 244, o.DspsChunkSize(247))

	o.DspsChunkSizeIncreaseToMTU = true
	require.Equal(t, 244, o.DspsChunkSize(247))
	require.Equal(t, 20, o.DspsChunkSize(23))
}
