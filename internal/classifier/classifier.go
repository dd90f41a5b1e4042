// Package classifier 把原始文件系统事件关联为语义操作：拷入、拷出、移动、删除。
//
// 事件按路径分组；一组在最后一个事件之后静默满一个关联窗口即“结算”。
// 结算时与所有未消费的组（包括尚未结算的）做配对，因此窗口内先后到达的
// 两端无论谁先结算都能配上。
package classifier

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Hara602/usbAudit/internal/model"
	"github.com/Hara602/usbAudit/internal/monitor"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultWindow 默认关联窗口
const DefaultWindow = 2 * time.Second

// rememberedHashes 已记录文件的内容哈希保留条数；文件移走后无法再读取，移动配对靠它比较内容
const rememberedHashes = 4096

// Hasher 计算文件内容哈希；超出大小限制时返回空串
type Hasher interface {
	FileHash(path string) (string, error)
}

// Options 分类器配置
type Options struct {
	Window time.Duration
	Filter *monitor.Filter
	Hasher Hasher // nil 表示不计算内容哈希
	Log    *zap.Logger
	NewID  func() string
	UserOf func(pid int32) string
}

// Classifier 单消费者，不可并发调用
type Classifier struct {
	window time.Duration
	filter *monitor.Filter
	hasher Hasher
	log    *zap.Logger
	newID  func() string
	userOf func(pid int32) string

	groups map[string]*group
	hashes *lru.Cache[string, string] // key: 设备上的路径
}

type group struct {
	path   string
	device *model.DeviceIdentity
	first  time.Time
	last   time.Time
	events int

	created  bool // 组内出现过 created
	existed  bool // 第一个事件不是 created：组开始前文件已存在
	gone     bool // 最后状态为已删除/已移走
	modified bool
	read     bool

	size    int64
	pid     int32
	process string
	hash    string
	hashed  bool
}

// New 创建分类器
func New(opts Options) *Classifier {
	c := &Classifier{
		window: opts.Window,
		filter: opts.Filter,
		hasher: opts.Hasher,
		log:    opts.Log,
		newID:  opts.NewID,
		userOf: opts.UserOf,
		groups: make(map[string]*group),
	}
	if c.window <= 0 {
		c.window = DefaultWindow
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	c.hashes, _ = lru.New[string, string](rememberedHashes)
	return c
}

// Observe 接收一个原始事件
func (c *Classifier) Observe(ev model.RawFsEvent) {
	g, ok := c.groups[ev.Path]
	if !ok {
		g = &group{
			path:    ev.Path,
			device:  ev.Device,
			first:   ev.Time,
			size:    model.SizeUnknown,
			existed: ev.Kind != model.EventCreated,
		}
		c.groups[ev.Path] = g
	}
	g.events++
	if ev.Time.Before(g.first) {
		g.first = ev.Time
	}
	if ev.Time.After(g.last) {
		g.last = ev.Time
	}
	if ev.Size >= 0 {
		g.size = ev.Size
	}
	if ev.PID > 0 {
		g.pid, g.process = ev.PID, ev.Process
	}

	switch ev.Kind {
	case model.EventCreated:
		g.created = true
		g.gone = false
	case model.EventModified:
		g.modified = true
		g.gone = false
	case model.EventRemoved, model.EventRenamed:
		g.gone = true
	case model.EventRead:
		g.read = true
	}
}

// Pending 尚未结算的组数
func (c *Classifier) Pending() int { return len(c.groups) }

// Flush 结算所有已静默满一个窗口的组
func (c *Classifier) Flush(now time.Time) []model.TransferRecord {
	return c.settle(func(g *group) bool { return !g.last.Add(c.window).After(now) })
}

// FlushMount 立即结算某个挂载点上的全部组（分区卸下时）；同一设备的其他分区不受影响
func (c *Classifier) FlushMount(mountPath string) []model.TransferRecord {
	return c.settle(func(g *group) bool { return g.device != nil && g.device.MountPath == mountPath })
}

// FlushAll 立即结算全部组
func (c *Classifier) FlushAll() []model.TransferRecord {
	return c.settle(func(*group) bool { return true })
}

// Discard 丢弃全部未结算的组，返回被丢弃的原始事件数
func (c *Classifier) Discard() int {
	n := 0
	for _, g := range c.groups {
		n += g.events
	}
	c.groups = make(map[string]*group)
	return n
}

func (c *Classifier) settle(due func(*group) bool) []model.TransferRecord {
	var ready []*group
	for _, g := range c.groups {
		if due(g) {
			ready = append(ready, g)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].first.Equal(ready[j].first) {
			return ready[i].first.Before(ready[j].first)
		}
		return ready[i].path < ready[j].path
	})

	var out []model.TransferRecord
	for _, g := range ready {
		if _, pending := c.groups[g.path]; !pending {
			// 已作为其他组的配对被消费
			continue
		}
		delete(c.groups, g.path)
		c.refresh(g)
		if rec, ok := c.classify(g); ok {
			out = append(out, rec)
		}
	}
	return out
}

// refresh 文件仍存在时以当前大小为准（拷贝过程中事件里的大小并非最终值）
func (c *Classifier) refresh(g *group) {
	if g.gone {
		return
	}
	if info, err := os.Stat(g.path); err == nil && info.Mode().IsRegular() {
		g.size = info.Size()
	}
}

func (c *Classifier) classify(g *group) (model.TransferRecord, bool) {
	if g.device == nil {
		return c.classifyHost(g)
	}
	switch {
	case g.created && g.gone && !g.existed:
		c.drop(g, "transient file created and removed")
	case g.gone:
		if dst := c.takeMatch(g, isArrival, sameContent); dst != nil {
			return c.record(dst, model.OpMove, g)
		}
		return c.record(g, model.OpDelete, nil)
	case g.created:
		if src := c.takeMatch(g, isDeparture, sameContent); src != nil {
			return c.record(g, model.OpMove, src)
		}
		return c.record(g, model.OpCopyIn, nil)
	case g.read:
		if dst := c.takeMatch(g, isHostWrite, sameFile); dst != nil {
			return c.record(g, model.OpCopyOut, dst)
		}
		c.drop(g, "read without corresponding host write")
	default:
		// 内容已变，之前记住的哈希失效
		c.hashes.Remove(g.path)
		c.drop(g, "modification only")
	}
	return model.TransferRecord{}, false
}

func (c *Classifier) classifyHost(g *group) (model.TransferRecord, bool) {
	if !g.gone && (g.created || g.modified) {
		if src := c.takeMatch(g, isDeviceRead, sameFile); src != nil {
			return c.record(src, model.OpCopyOut, g)
		}
	}
	c.drop(g, "host event without device read")
	return model.TransferRecord{}, false
}

// 配对候选
func isArrival(g, o *group) bool {
	return o.device != nil && g.device != nil && o.device.ID == g.device.ID && o.created && !o.gone
}

func isDeparture(g, o *group) bool {
	return o.device != nil && g.device != nil && o.device.ID == g.device.ID && o.gone && !(o.created && !o.existed)
}

func isHostWrite(_, o *group) bool {
	return o.device == nil && !o.gone && (o.created || o.modified)
}

func isDeviceRead(_, o *group) bool {
	return o.device != nil && o.read && !o.created && !o.gone
}

// takeMatch 在窗口内找到最近的配对并将其移出待处理集合
func (c *Classifier) takeMatch(g *group, kind func(g, o *group) bool, same func(c *Classifier, a, b *group) bool) *group {
	var best *group
	var bestGap time.Duration
	for _, o := range c.groups {
		if o == g || !kind(g, o) {
			continue
		}
		gap := distance(g, o)
		if gap > c.window {
			continue
		}
		c.refresh(o)
		if !same(c, g, o) {
			continue
		}
		if best == nil || gap < bestGap || (gap == bestGap && o.path < best.path) {
			best, bestGap = o, gap
		}
	}
	if best != nil {
		delete(c.groups, best.path)
	}
	return best
}

// distance 两组时间区间之间的间隔，重叠为 0
func distance(a, b *group) time.Duration {
	switch {
	case a.last.Before(b.first):
		return b.first.Sub(a.last)
	case b.last.Before(a.first):
		return a.first.Sub(b.last)
	}
	return 0
}

// sameContent 移动：大小一致；原路径的哈希已知（曾被记录过）时，目的文件内容还需一致
func sameContent(c *Classifier, a, b *group) bool {
	if a.size < 0 || b.size < 0 || a.size != b.size {
		return false
	}
	if c.hasher == nil {
		return true
	}
	src, dst := a, b
	if !src.gone {
		src, dst = b, a
	}
	before, ok := c.hashes.Get(src.path)
	if !ok || before == "" {
		return true
	}
	if after := c.contentHash(dst); after != "" {
		return before == after
	}
	return true
}

// sameFile 拷出：同名或同大小；启用哈希时两端文件都在，内容必须一致
func sameFile(c *Classifier, a, b *group) bool {
	nameMatch := strings.EqualFold(filepath.Base(a.path), filepath.Base(b.path))
	sizeMatch := a.size > 0 && a.size == b.size
	if !nameMatch && !sizeMatch {
		return false
	}
	if c.hasher != nil {
		ha, hb := c.contentHash(a), c.contentHash(b)
		if ha != "" && hb != "" {
			return ha == hb
		}
	}
	return true
}

func (c *Classifier) contentHash(g *group) string {
	if c.hasher == nil || g.gone {
		return g.hash
	}
	if !g.hashed {
		h, err := c.hasher.FileHash(g.path)
		if err != nil {
			c.log.Debug("content hash failed", zap.String("path", g.path), zap.Error(err))
		}
		g.hash, g.hashed = h, true
	}
	return g.hash
}

// remember 维护设备上文件的已知哈希
func (c *Classifier) remember(rec model.TransferRecord) {
	switch rec.Operation {
	case model.OpDelete:
		c.hashes.Remove(rec.Path)
		return
	case model.OpMove:
		c.hashes.Remove(rec.SourcePath)
	case model.OpCopyOut:
		// 读取不改变设备上的内容
	}
	if rec.ContentHash != "" {
		c.hashes.Add(rec.Path, rec.ContentHash)
	} else {
		c.hashes.Remove(rec.Path)
	}
}

func (c *Classifier) drop(g *group, why string) {
	c.log.Debug("raw events dropped",
		zap.String("path", g.path),
		zap.Int("events", g.events),
		zap.String("reason", why))
}

// record 构造传输记录；g 为记录所指的设备侧文件（移动时为目的路径），other 为另一端。
// 过滤条件在此按最终路径与大小再检查一次。
func (c *Classifier) record(g *group, op model.Operation, other *group) (model.TransferRecord, bool) {
	size := g.size
	if op == model.OpCopyOut && size < 0 && other != nil {
		size = other.size
	}
	rec := model.TransferRecord{
		ID:        c.newID(),
		Timestamp: g.last,
		Path:      g.path,
		FileName:  filepath.Base(g.path),
		FileType:  strings.TrimPrefix(strings.ToLower(filepath.Ext(g.path)), "."),
		SizeBytes: size,
		Operation: op,
		Process:   g.process,
		PID:       g.pid,
	}
	if other != nil {
		switch op {
		case model.OpMove:
			rec.SourcePath = other.path
		case model.OpCopyOut:
			rec.DestPath = other.path
		}
		if other.last.After(rec.Timestamp) {
			rec.Timestamp = other.last
		}
		if rec.Process == "" {
			rec.Process, rec.PID = other.process, other.pid
		}
	}
	if g.device != nil {
		rec.DeviceID = g.device.ID
		rec.DeviceLabel = g.device.Label
		rec.MountPath = g.device.MountPath
	}
	if op != model.OpDelete {
		rec.ContentHash = c.contentHash(g)
	}
	c.remember(rec)
	if c.userOf != nil {
		rec.User = c.userOf(rec.PID)
	}
	if !c.filter.Allow(rec.Path, rec.SizeBytes) {
		c.log.Debug("transfer filtered", zap.String("path", rec.Path), zap.Int64("size", rec.SizeBytes), zap.String("operation", string(op)))
		return model.TransferRecord{}, false
	}
	return rec, true
}
