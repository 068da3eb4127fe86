package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveZone(t *testing.T) {
	device := &EdgeDevice{ID: "dev-1", SiteID: "site-a", ZoneID: "zone-1"}

	zone, err := ResolveZone(device, "")
	require.NoError(t, err)
	assert.Equal(t, "zone-1", zone)

	zone, err = ResolveZone(device, "zone-1")
	require.NoError(t, err)
	assert.Equal(t, "zone-1", zone)
}

func TestResolveZoneMismatchFailsClosed(t *testing.T) {
	device := &EdgeDevice{ID: "dev-1", SiteID: "site-a", ZoneID: "zone-1"}

	zone, err := ResolveZone(device, "zone-2")
	require.Error(t, err)
	assert.Empty(t, zone)

	var zoneErr *ZoneAccessError
	require.ErrorAs(t, err, &zoneErr)
	assert.Equal(t, "dev-1", zoneErr.DeviceID)
	assert.Equal(t, "zone-1", zoneErr.BoundZone)
	assert.Equal(t, "zone-2", zoneErr.RequestedZone)
	assert.Contains(t, err.Error(), "zone-2")
}
