package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/usbAudit/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func stick() model.DeviceIdentity {
	return model.DeviceIdentity{
		ID:        "usb:0781:5567:AA01",
		VendorID:  "0781",
		ProductID: "5567",
		Serial:    "AA01",
		Product:   "Cruzer Blade",
		Label:     "KINGSTON",
		Stable:    true,
	}
}

func TestFirstSeenSurvivesReattach(t *testing.T) {
	r := openRegistry(t)
	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	first, err := r.RecordAttach(stick(), t0)
	require.NoError(t, err)
	assert.True(t, first.Equal(t0))

	again, err := r.RecordAttach(stick(), t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.True(t, again.Equal(t0), again)

	devs, err := r.Devices()
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, 2, devs[0].AttachCount)
	assert.True(t, devs[0].LastSeen.Equal(t0.Add(72*time.Hour)))
}

func TestUnstableDeviceNotPersisted(t *testing.T) {
	r := openRegistry(t)
	dev := model.DeviceIdentity{ID: "mount:/dev/sdb1@/media/usb"}
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	first, err := r.RecordAttach(dev, now)
	require.NoError(t, err)
	assert.True(t, first.Equal(now))

	devs, err := r.Devices()
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestWatchlist(t *testing.T) {
	r := openRegistry(t)

	watched, _, err := r.Watched(stick())
	require.NoError(t, err)
	assert.False(t, watched)

	require.NoError(t, r.AddWatch("0781", "5567", "", "lost in March"))
	watched, reason, err := r.Watched(stick())
	require.NoError(t, err)
	assert.True(t, watched)
	assert.Equal(t, "lost in March", reason)

	other := stick()
	other.ProductID = "5581"
	watched, _, err = r.Watched(other)
	require.NoError(t, err)
	assert.False(t, watched)

	list, err := r.Watchlist()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, Wildcard, list[0].Serial)

	removed, err := r.RemoveWatch("0781", "5567", "")
	require.NoError(t, err)
	assert.True(t, removed)
	watched, _, err = r.Watched(stick())
	require.NoError(t, err)
	assert.False(t, watched)
}

func TestWatchRuleNeedsAField(t *testing.T) {
	r := openRegistry(t)
	require.Error(t, r.AddWatch("", " ", "", "everything"))
}

func TestPlaceholderSerialIsWatched(t *testing.T) {
	r := openRegistry(t)
	dev := stick()
	dev.Serial = "000000000000"
	watched, reason, err := r.Watched(dev)
	require.NoError(t, err)
	assert.True(t, watched)
	assert.Contains(t, reason, "placeholder")
}

func TestWatchedSurfacesQueryErrors(t *testing.T) {
	r := openRegistry(t)
	require.NoError(t, r.Close())

	watched, _, err := r.Watched(stick())
	require.Error(t, err)
	assert.False(t, watched)
}
