package sysutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMounts = `sysfs /sys sysfs rw,nosuid,nodev,noexec,relatime 0 0
/dev/nvme0n1p2 / ext4 rw,relatime 0 0
/dev/loop3 /snap/core/1 squashfs ro 0 0
/dev/sdb1 /media/alice/MY\040USB vfat rw,nosuid,nodev,uid=1000 0 0
`

func TestParseMounts(t *testing.T) {
	entries, err := ParseMounts(strings.NewReader(sampleMounts))
	require.NoError(t, err)
	require.Len(t, entries, 4)

	usb := entries[3]
	assert.Equal(t, "/dev/sdb1", usb.Device)
	assert.Equal(t, "/media/alice/MY USB", usb.MountPoint)
	assert.Equal(t, "vfat", usb.FSType)
	assert.Contains(t, usb.Options, "uid=1000")

	assert.False(t, entries[0].IsBlockDevice())
	assert.True(t, entries[1].IsBlockDevice())
	assert.False(t, entries[2].IsBlockDevice())
	assert.True(t, usb.IsBlockDevice())
}
