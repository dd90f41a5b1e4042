package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/usbAudit/internal/model"
	"github.com/Hara602/usbAudit/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0  = time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	usb = &model.DeviceIdentity{ID: "usb:0781:5567:AA01", MountPath: "/media/usb", Label: "STICK"}
)

func newClassifier(opts Options) *Classifier {
	n := 0
	opts.NewID = func() string {
		n++
		return fmt.Sprintf("rec-%d", n)
	}
	return New(opts)
}

func ev(dev *model.DeviceIdentity, path string, kind model.EventKind, at time.Duration, size int64) model.RawFsEvent {
	return model.RawFsEvent{Device: dev, Path: path, Kind: kind, Time: t0.Add(at), Size: size}
}

func TestRenameClassifiesAsMove(t *testing.T) {
	c := newClassifier(Options{})
	c.Observe(ev(usb, "/media/usb/a.txt", model.EventRenamed, 0, 100))
	c.Observe(ev(usb, "/media/usb/docs/a.txt", model.EventCreated, 100*time.Millisecond, 100))

	assert.Empty(t, c.Flush(t0.Add(time.Second)))
	assert.Equal(t, 2, c.Pending())

	recs := c.Flush(t0.Add(3 * time.Second))
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, model.OpMove, rec.Operation)
	assert.Equal(t, "/media/usb/docs/a.txt", rec.Path)
	assert.Equal(t, "/media/usb/a.txt", rec.SourcePath)
	assert.Empty(t, rec.DestPath)
	assert.Equal(t, int64(100), rec.SizeBytes)
	assert.Equal(t, usb.ID, rec.DeviceID)
	assert.Equal(t, "STICK", rec.DeviceLabel)
	assert.Zero(t, c.Pending())
}

func TestDeletePlusCreateSameSizeIsMove(t *testing.T) {
	// 创建先于删除到达，同样判为移动，而不是拷入+删除
	c := newClassifier(Options{})
	c.Observe(ev(usb, "/media/usb/new/report.pdf", model.EventCreated, 0, 4096))
	c.Observe(ev(usb, "/media/usb/report.pdf", model.EventRemoved, 500*time.Millisecond, 4096))

	recs := c.Flush(t0.Add(5 * time.Second))
	require.Len(t, recs, 1)
	assert.Equal(t, model.OpMove, recs[0].Operation)
	assert.Equal(t, "/media/usb/new/report.pdf", recs[0].Path)
}

func TestSizeMismatchIsDeleteAndCopyIn(t *testing.T) {
	c := newClassifier(Options{})
	c.Observe(ev(usb, "/media/usb/a.bin", model.EventRemoved, 0, 100))
	c.Observe(ev(usb, "/media/usb/b.bin", model.EventCreated, 100*time.Millisecond, 200))

	recs := c.Flush(t0.Add(5 * time.Second))
	require.Len(t, recs, 2)
	assert.Equal(t, model.OpDelete, recs[0].Operation)
	assert.Equal(t, "/media/usb/a.bin", recs[0].Path)
	assert.Equal(t, model.OpCopyIn, recs[1].Operation)
	assert.Equal(t, "/media/usb/b.bin", recs[1].Path)
}

func TestOutsideWindowIsNotMove(t *testing.T) {
	c := newClassifier(Options{Window: time.Second})
	c.Observe(ev(usb, "/media/usb/a.bin", model.EventRemoved, 0, 100))
	c.Observe(ev(usb, "/media/usb/b.bin", model.EventCreated, 3*time.Second, 100))

	recs := c.FlushAll()
	require.Len(t, recs, 2)
	assert.Equal(t, model.OpDelete, recs[0].Operation)
	assert.Equal(t, model.OpCopyIn, recs[1].Operation)
}

func TestCopyInMergesBurst(t *testing.T) {
	c := newClassifier(Options{})
	p := "/media/usb/report.pdf"
	c.Observe(ev(usb, p, model.EventCreated, 0, 0))
	for i := 1; i <= 5; i++ {
		c.Observe(ev(usb, p, model.EventModified, time.Duration(i)*300*time.Millisecond, int64(i)*24*1024*1024))
	}

	// 最后一次写入之后窗口尚未结束
	assert.Empty(t, c.Flush(t0.Add(2500*time.Millisecond)))

	recs := c.Flush(t0.Add(4 * time.Second))
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, model.OpCopyIn, rec.Operation)
	assert.Equal(t, int64(120*1024*1024), rec.SizeBytes)
	assert.Equal(t, "report.pdf", rec.FileName)
	assert.Equal(t, "pdf", rec.FileType)
	assert.Equal(t, t0.Add(1500*time.Millisecond), rec.Timestamp)
	assert.Equal(t, "rec-1", rec.ID)
}

func TestSlowCopyWaitsForLastWrite(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "report.pdf")
	dev := &model.DeviceIdentity{ID: "usb:1:2:D", MountPath: dir}
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	c := newClassifier(Options{})
	c.Observe(ev(dev, p, model.EventCreated, 0, 0))

	// 慢速拷贝：每 1.5s 一次写入，始终不足一个窗口
	var size int64
	for i := 1; i <= 4; i++ {
		size = int64(i) * 30 * 1024 * 1024
		require.NoError(t, f.Truncate(size))
		at := time.Duration(i) * 1500 * time.Millisecond
		c.Observe(ev(dev, p, model.EventModified, at, size))
		assert.Empty(t, c.Flush(t0.Add(at+time.Second)), "write %d", i)
	}

	recs := c.Flush(t0.Add(8 * time.Second))
	require.Len(t, recs, 1)
	assert.Equal(t, model.OpCopyIn, recs[0].Operation)
	assert.Equal(t, int64(120*1024*1024), recs[0].SizeBytes)
	assert.Zero(t, c.Pending())
}

func TestTransientFileDropped(t *testing.T) {
	c := newClassifier(Options{})
	p := "/media/usb/.~lock.doc#"
	c.Observe(ev(usb, p, model.EventCreated, 0, 0))
	c.Observe(ev(usb, p, model.EventModified, 10*time.Millisecond, 10))
	c.Observe(ev(usb, p, model.EventRemoved, 20*time.Millisecond, 10))

	assert.Empty(t, c.FlushAll())
	assert.Zero(t, c.Pending())
}

func TestExcludedExtensionNeverRecorded(t *testing.T) {
	filter := monitor.NewFilter([]string{"*"}, []string{".pdf"}, 0, nil)
	c := newClassifier(Options{Filter: filter})
	c.Observe(ev(usb, "/media/usb/report.pdf", model.EventCreated, 0, 1024))
	c.Observe(ev(usb, "/media/usb/old.pdf", model.EventRemoved, 0, 7))

	assert.Empty(t, c.FlushAll())
}

func TestSizeFilterAppliedToFinalSize(t *testing.T) {
	limit := int64(1000)
	c := newClassifier(Options{Filter: monitor.NewFilter(nil, nil, 10, &limit)})
	c.Observe(ev(usb, "/media/usb/small.txt", model.EventCreated, 0, 0))
	c.Observe(ev(usb, "/media/usb/small.txt", model.EventModified, 0, 5))
	c.Observe(ev(usb, "/media/usb/big.iso", model.EventCreated, 0, 5000))
	c.Observe(ev(usb, "/media/usb/ok.txt", model.EventCreated, 0, 500))

	recs := c.FlushAll()
	require.Len(t, recs, 1)
	assert.Equal(t, "/media/usb/ok.txt", recs[0].Path)
}

func TestCopyOutNeedsHostWrite(t *testing.T) {
	c := newClassifier(Options{})
	c.Observe(ev(usb, "/media/usb/secret.xlsx", model.EventRead, 0, 5000))
	c.Observe(ev(nil, "/home/user/Desktop/secret.xlsx", model.EventCreated, 200*time.Millisecond, 0))
	c.Observe(ev(nil, "/home/user/Desktop/secret.xlsx", model.EventModified, 400*time.Millisecond, 5000))

	recs := c.Flush(t0.Add(5 * time.Second))
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, model.OpCopyOut, rec.Operation)
	assert.Equal(t, "/media/usb/secret.xlsx", rec.Path)
	assert.Equal(t, "/home/user/Desktop/secret.xlsx", rec.DestPath)
	assert.Empty(t, rec.SourcePath)
	assert.Equal(t, int64(5000), rec.SizeBytes)
	assert.Equal(t, usb.ID, rec.DeviceID)
}

func TestCopyOutMatchedBySizeWhenRenamed(t *testing.T) {
	c := newClassifier(Options{})
	c.Observe(ev(nil, "/home/user/copy-of-data.db", model.EventCreated, 0, 777))
	c.Observe(ev(usb, "/media/usb/data.db", model.EventRead, time.Second, 777))

	recs := c.FlushAll()
	require.Len(t, recs, 1)
	assert.Equal(t, model.OpCopyOut, recs[0].Operation)
	assert.Equal(t, "/home/user/copy-of-data.db", recs[0].DestPath)
}

func TestReadAloneSuppressed(t *testing.T) {
	c := newClassifier(Options{})
	c.Observe(ev(usb, "/media/usb/photo.jpg", model.EventRead, 0, 1000))
	c.Observe(ev(nil, "/home/user/unrelated.txt", model.EventCreated, 10*time.Millisecond, 3))

	assert.Empty(t, c.Flush(t0.Add(10*time.Second)))
	assert.Zero(t, c.Pending())
}

type mapHasher map[string]string

func (m mapHasher) FileHash(path string) (string, error) { return m[path], nil }

func TestCopyOutRejectedOnHashMismatch(t *testing.T) {
	hasher := mapHasher{
		"/media/usb/a.txt": "sha256:aaa",
		"/home/user/a.txt": "sha256:bbb",
	}
	c := newClassifier(Options{Hasher: hasher})
	c.Observe(ev(usb, "/media/usb/a.txt", model.EventRead, 0, 10))
	c.Observe(ev(nil, "/home/user/a.txt", model.EventCreated, 0, 10))
	assert.Empty(t, c.FlushAll())

	hasher["/home/user/a.txt"] = "sha256:aaa"
	c.Observe(ev(usb, "/media/usb/a.txt", model.EventRead, 0, 10))
	c.Observe(ev(nil, "/home/user/a.txt", model.EventCreated, 0, 10))
	recs := c.FlushAll()
	require.Len(t, recs, 1)
	assert.Equal(t, "sha256:aaa", recs[0].ContentHash)
}

func TestMoveComparesRememberedHash(t *testing.T) {
	hasher := mapHasher{
		"/media/usb/a.bin":      "sha256:aaa",
		"/media/usb/docs/a.bin": "sha256:aaa",
		"/media/usb/b.bin":      "sha256:bbb",
	}
	c := newClassifier(Options{Hasher: hasher})

	// 先记录拷入，记住 a.bin 的内容哈希
	c.Observe(ev(usb, "/media/usb/a.bin", model.EventCreated, 0, 100))
	recs := c.FlushAll()
	require.Len(t, recs, 1)
	assert.Equal(t, "sha256:aaa", recs[0].ContentHash)

	// 同大小但内容不同：删除 + 拷入，而不是移动
	c.Observe(ev(usb, "/media/usb/a.bin", model.EventRemoved, time.Second, 100))
	c.Observe(ev(usb, "/media/usb/b.bin", model.EventCreated, time.Second, 100))
	recs = c.FlushAll()
	require.Len(t, recs, 2)
	assert.ElementsMatch(t, []model.Operation{model.OpDelete, model.OpCopyIn},
		[]model.Operation{recs[0].Operation, recs[1].Operation})

	// b.bin 内容已知，移动到 docs/ 下但内容不符
	hasher["/media/usb/docs/b.bin"] = "sha256:ccc"
	c.Observe(ev(usb, "/media/usb/b.bin", model.EventRenamed, 2*time.Second, 100))
	c.Observe(ev(usb, "/media/usb/docs/b.bin", model.EventCreated, 2*time.Second, 100))
	recs = c.FlushAll()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.NotEqual(t, model.OpMove, r.Operation)
	}

	// 内容一致才是移动
	c.Observe(ev(usb, "/media/usb/docs/b.bin", model.EventRenamed, 3*time.Second, 100))
	hasher["/media/usb/b.bin"] = "sha256:ccc"
	c.Observe(ev(usb, "/media/usb/b.bin", model.EventCreated, 3*time.Second, 100))
	recs = c.FlushAll()
	require.Len(t, recs, 1)
	assert.Equal(t, model.OpMove, recs[0].Operation)
	assert.Equal(t, "/media/usb/docs/b.bin", recs[0].SourcePath)
	assert.Equal(t, "sha256:ccc", recs[0].ContentHash)
}

func TestMoveWithoutRememberedHashFallsBackToSize(t *testing.T) {
	c := newClassifier(Options{Hasher: mapHasher{"/media/usb/new.bin": "sha256:zzz"}})
	c.Observe(ev(usb, "/media/usb/old.bin", model.EventRenamed, 0, 100))
	c.Observe(ev(usb, "/media/usb/new.bin", model.EventCreated, 0, 100))

	recs := c.FlushAll()
	require.Len(t, recs, 1)
	assert.Equal(t, model.OpMove, recs[0].Operation)
}

func TestModifyOnlyDropped(t *testing.T) {
	c := newClassifier(Options{})
	c.Observe(ev(usb, "/media/usb/notes.txt", model.EventModified, 0, 10))
	assert.Empty(t, c.FlushAll())
}

func TestFlushMountAndDiscard(t *testing.T) {
	// 同一设备的第二个分区
	other := &model.DeviceIdentity{ID: usb.ID, MountPath: "/media/usb2"}
	c := newClassifier(Options{})
	c.Observe(ev(usb, "/media/usb/a.txt", model.EventCreated, 0, 1))
	c.Observe(ev(other, "/media/usb2/b.txt", model.EventCreated, 0, 1))
	c.Observe(ev(other, "/media/usb2/b.txt", model.EventModified, 0, 2))

	recs := c.FlushMount(usb.MountPath)
	require.Len(t, recs, 1)
	assert.Equal(t, "/media/usb/a.txt", recs[0].Path)
	assert.Equal(t, 1, c.Pending())

	assert.Equal(t, 2, c.Discard())
	assert.Zero(t, c.Pending())
}

func TestHashAndUserAttribution(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(p, make([]byte, 2048), 0o644))
	dev := &model.DeviceIdentity{ID: "usb:1:2:C", MountPath: dir}

	c := newClassifier(Options{
		Hasher: mapHasher{p: "sha256:feed"},
		UserOf: func(pid int32) string { return fmt.Sprintf("uid-of-%d", pid) },
	})
	e := ev(dev, p, model.EventCreated, 0, 0)
	e.PID, e.Process = 4242, "cp"
	c.Observe(e)

	recs := c.FlushAll()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, int64(2048), rec.SizeBytes, "size refreshed from the file")
	assert.Equal(t, "sha256:feed", rec.ContentHash)
	assert.Equal(t, "cp", rec.Process)
	assert.Equal(t, int32(4242), rec.PID)
	assert.Equal(t, "uid-of-4242", rec.User)
}
