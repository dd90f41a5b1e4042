package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/usbAudit/internal/config"
	"github.com/Hara602/usbAudit/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFilter(t *testing.T) {
	limit := int64(1000)
	f := NewFilter([]string{"*"}, []string{".tmp", "~$*", "LOCK"}, 10, &limit)

	assert.True(t, f.Allow("/media/usb/report.pdf", 500))
	assert.True(t, f.Allow("/media/usb/report.PDF", model.SizeUnknown))
	assert.False(t, f.Allow("/media/usb/x.TMP", 500))
	assert.False(t, f.Allow("/media/usb/~$report.docx", 500))
	assert.False(t, f.Allow("/media/usb/db.lock", 500))
	assert.False(t, f.Allow("/media/usb/report.pdf", 5))
	assert.False(t, f.Allow("/media/usb/report.pdf", 1001))
	assert.True(t, f.Allow("/media/usb/report.pdf", 1000))

	only := NewFilter([]string{"pdf", "*.doc?"}, nil, 0, nil)
	assert.True(t, only.AllowPath("/a/b.pdf"))
	assert.True(t, only.AllowPath("/a/b.docx"))
	assert.False(t, only.AllowPath("/a/b.txt"))

	var none *Filter
	assert.True(t, none.Allow("/anything", 1))
}

func TestFilterFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	f := FilterFromConfig(cfg)
	assert.False(t, f.AllowPath("/media/usb/a.lock"))
	assert.True(t, f.AllowPath("/media/usb/a.pdf"))
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	dev := &model.DeviceIdentity{ID: "d", MountPath: t.TempDir()}
	_, err := New("dtrace", dev, nil, nil)
	require.Error(t, err)
	_, err = New(config.BackendFsnotify, &model.DeviceIdentity{ID: "d"}, nil, nil)
	require.Error(t, err)
}

type collector struct {
	t   *testing.T
	ch  <-chan model.RawFsEvent
	got []model.RawFsEvent
}

// waitFor 读取事件直到出现满足条件的那一条
func (c *collector) waitFor(pred func(model.RawFsEvent) bool) model.RawFsEvent {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.ch:
			require.True(c.t, ok, "events closed early")
			c.got = append(c.got, ev)
			if pred(ev) {
				return ev
			}
		case <-deadline:
			c.t.Fatalf("timed out; events so far: %+v", c.got)
		}
	}
}

func is(kind model.EventKind, path string) func(model.RawFsEvent) bool {
	return func(ev model.RawFsEvent) bool { return ev.Kind == kind && ev.Path == path }
}

func startNotify(t *testing.T, root string, filter *Filter) (*notifyMonitor, *collector) {
	t.Helper()
	dev := &model.DeviceIdentity{ID: "usb:1:2:A", MountPath: root}
	m := newNotifyMonitor([]string{root}, dev, filter, zaptest.NewLogger(t))
	m.poll = 20 * time.Millisecond
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m, &collector{t: t, ch: m.Events()}
}

func TestNotifyCreateModifyRemove(t *testing.T) {
	root := t.TempDir()
	_, c := startNotify(t, root, NewFilter([]string{"*"}, []string{".tmp"}, 0, nil))

	p := filepath.Join(root, "report.pdf")
	require.NoError(t, os.WriteFile(p, make([]byte, 2048), 0o644))

	ev := c.waitFor(is(model.EventCreated, p))
	require.NotNil(t, ev.Device)
	assert.Equal(t, "usb:1:2:A", ev.Device.ID)
	c.waitFor(func(ev model.RawFsEvent) bool { return ev.Path == p && ev.Size == 2048 })

	require.NoError(t, os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("x"), 0o644))

	require.NoError(t, os.Remove(p))
	ev = c.waitFor(is(model.EventRemoved, p))
	assert.Equal(t, int64(2048), ev.Size)

	for _, got := range c.got {
		assert.NotEqual(t, ".tmp", filepath.Ext(got.Path), "excluded file reported")
	}
}

func TestNotifyRenameAndNewDirectory(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(old, []byte("hello"), 0o644))
	_, c := startNotify(t, root, nil)

	moved := filepath.Join(root, "b.txt")
	require.NoError(t, os.Rename(old, moved))
	ev := c.waitFor(is(model.EventRenamed, old))
	assert.Equal(t, int64(5), ev.Size)
	c.waitFor(is(model.EventCreated, moved))

	// 新目录中的文件要么通过遍历补报，要么通过新 watch 捕获
	sub := filepath.Join(root, "docs", "2025")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	nested := filepath.Join(sub, "plan.docx")
	require.NoError(t, os.WriteFile(nested, []byte("plan"), 0o644))
	c.waitFor(func(ev model.RawFsEvent) bool { return ev.Path == nested })
}

func TestNotifyRootVanished(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "usb")
	require.NoError(t, os.Mkdir(root, 0o755))
	m, _ := startNotify(t, root, nil)

	require.NoError(t, os.RemoveAll(root))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-m.Events():
			if !ok {
				assert.ErrorIs(t, m.Err(), ErrCaptureInterrupted)
				return
			}
		case <-deadline:
			t.Fatal("capture did not stop after root vanished")
		}
	}
}

func TestNotifyStopClosesEvents(t *testing.T) {
	m, _ := startNotify(t, t.TempDir(), nil)
	m.Stop()
	_, ok := <-m.Events()
	assert.False(t, ok)
	assert.NoError(t, m.Err())
}

func TestHostCaptureHasNoDevice(t *testing.T) {
	root := t.TempDir()
	m := NewHost([]string{root, filepath.Join(root, "missing")}, nil, nil)
	require.NoError(t, m.Start())
	defer m.Stop()

	c := &collector{t: t, ch: m.Events()}
	p := filepath.Join(root, "copy.pdf")
	require.NoError(t, os.WriteFile(p, []byte("pdf"), 0o644))
	ev := c.waitFor(is(model.EventCreated, p))
	assert.Nil(t, ev.Device)
	assert.False(t, ev.OnDevice())

	none := NewHost([]string{filepath.Join(root, "missing")}, nil, nil)
	require.Error(t, none.Start())
}

func TestSizeIndexTake(t *testing.T) {
	x := sizeIndex{
		"/m/a.txt":       1,
		"/m/dir/b.txt":   2,
		"/m/dir/c/d.txt": 3,
		"/m/dirx.txt":    4,
	}
	got := x.take("/m/dir")
	require.Len(t, got, 2)
	assert.Equal(t, "/m/dir/b.txt", got[0].path)
	assert.Equal(t, int64(3), got[1].size)
	assert.Len(t, x, 2)

	got = x.take("/m/a.txt")
	require.Len(t, got, 1)
	assert.Empty(t, x.take("/m/none"))
}
