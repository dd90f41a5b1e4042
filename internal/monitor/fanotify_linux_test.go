//go:build linux

package monitor

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Hara602/usbAudit/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// buildEvent 按内核布局拼出一条带 DFID_NAME 信息的事件
func buildEvent(t *testing.T, mask uint64, pid int32, handle []byte, name string) []byte {
	t.Helper()
	nameBytes := append([]byte(name), 0)
	infoLen := infoHeaderSize + fsidSize + handleHdrSize + len(handle) + len(nameBytes)
	for infoLen%4 != 0 {
		nameBytes = append(nameBytes, 0)
		infoLen++
	}

	var info bytes.Buffer
	require.NoError(t, binary.Write(&info, binary.NativeEndian, fanotifyInfoHeader{
		InfoType: unix.FAN_EVENT_INFO_TYPE_DFID_NAME,
		Len:      uint16(infoLen),
	}))
	info.Write(make([]byte, fsidSize))
	require.NoError(t, binary.Write(&info, binary.NativeEndian, fileHandleHeader{
		HandleBytes: uint32(len(handle)),
		HandleType:  1,
	}))
	info.Write(handle)
	info.Write(nameBytes)

	var out bytes.Buffer
	require.NoError(t, binary.Write(&out, binary.NativeEndian, unix.FanotifyEventMetadata{
		Event_len:    uint32(metadataSize + info.Len()),
		Vers:         unix.FANOTIFY_METADATA_VERSION,
		Metadata_len: metadataSize,
		Mask:         mask,
		Fd:           -1,
		Pid:          pid,
	}))
	out.Write(info.Bytes())
	return out.Bytes()
}

func TestParseFanotifyEvents(t *testing.T) {
	buf := append(
		buildEvent(t, unix.FAN_CREATE, 42, []byte{1, 2, 3, 4, 5, 6, 7, 8}, "report.pdf"),
		buildEvent(t, unix.FAN_DELETE|unix.FAN_ONDIR, 43, []byte{9, 9, 9, 9}, "old")...,
	)

	evs, err := parseFanotifyEvents(buf)
	require.NoError(t, err)
	require.Len(t, evs, 2)

	assert.Equal(t, uint64(unix.FAN_CREATE), evs[0].mask)
	assert.Equal(t, int32(42), evs[0].pid)
	assert.Equal(t, int32(-1), evs[0].fd)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, evs[0].handle)
	assert.Equal(t, "report.pdf", evs[0].name)

	assert.Equal(t, "old", evs[1].name)
	assert.NotZero(t, evs[1].mask&unix.FAN_ONDIR)
}

func TestParseFanotifyTruncated(t *testing.T) {
	buf := buildEvent(t, unix.FAN_CREATE, 1, []byte{1, 2, 3, 4}, "a")
	_, err := parseFanotifyEvents(buf[:len(buf)-4])
	require.Error(t, err)
}

func TestWatchMaskIncludesWrites(t *testing.T) {
	assert.NotZero(t, uint64(watchMask)&unix.FAN_MODIFY)
	assert.NotZero(t, uint64(watchMask)&unix.FAN_CLOSE_WRITE)
	assert.NotZero(t, uint64(watchMask)&unix.FAN_CLOSE_NOWRITE)
}

func TestKindsOf(t *testing.T) {
	cases := []struct {
		name string
		mask uint64
		want []model.EventKind
	}{
		{"modify", unix.FAN_MODIFY, []model.EventKind{model.EventModified}},
		{"modify merged with close_write", unix.FAN_MODIFY | unix.FAN_CLOSE_WRITE, []model.EventKind{model.EventModified}},
		{"create then write", unix.FAN_CREATE | unix.FAN_MODIFY, []model.EventKind{model.EventCreated, model.EventModified}},
		{"read", unix.FAN_CLOSE_NOWRITE, []model.EventKind{model.EventRead}},
		{"moved from", unix.FAN_MOVED_FROM, []model.EventKind{model.EventRenamed}},
		{"delete", unix.FAN_DELETE, []model.EventKind{model.EventRemoved}},
		{"unrelated", unix.FAN_OPEN, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, kindsOf(tc.mask))
		})
	}
}
