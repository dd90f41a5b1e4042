package watcher

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/usbAudit/internal/analysis"
	"github.com/Hara602/usbAudit/internal/model"
	"github.com/Hara602/usbAudit/internal/sysutil"
	"go.uber.org/zap"
)

// SysfsEnumerator 结合 /proc/mounts 与 sysfs 识别已挂载的 USB / 可移动块设备
type SysfsEnumerator struct {
	MountsPath string // 默认 /proc/mounts
	SysRoot    string // 默认 /sys
	ByLabelDir string // 默认 /dev/disk/by-label
	Log        *zap.Logger
}

// NewSysfsEnumerator 使用系统默认路径
func NewSysfsEnumerator(log *zap.Logger) *SysfsEnumerator {
	return &SysfsEnumerator{
		MountsPath: sysutil.ProcMounts,
		SysRoot:    "/sys",
		ByLabelDir: "/dev/disk/by-label",
		Log:        sysutil.OrNop(log),
	}
}

// Enumerate 实现 Enumerator
func (s *SysfsEnumerator) Enumerate() ([]model.DeviceIdentity, error) {
	mounts, err := sysutil.ReadMounts(s.MountsPath)
	if err != nil {
		return nil, err
	}
	labels := s.labels()

	var out []model.DeviceIdentity
	for _, m := range mounts {
		// 只关心 /dev/ 开头的设备，且不是 loop 设备
		if !m.IsBlockDevice() {
			continue
		}
		dev, ok := s.inspect(m)
		if !ok {
			continue
		}
		dev.Label = labels[m.Device]
		out = append(out, dev)
	}
	return out, nil
}

func (s *SysfsEnumerator) inspect(m sysutil.MountEntry) (model.DeviceIdentity, bool) {
	// 判断 /dev/sdb1 是否为 USB，通过 /sys/class/block/{name} 回溯
	devName := filepath.Base(m.Device)
	realSysPath, err := filepath.EvalSymlinks(filepath.Join(s.SysRoot, "class", "block", devName))
	if err != nil {
		return model.DeviceIdentity{}, false
	}

	dev := model.DeviceIdentity{DevicePath: m.Device, MountPath: m.MountPoint}
	usbRoot, onUSB := findUSBRoot(realSysPath)
	if onUSB {
		dev.VendorID = readAttr(filepath.Join(usbRoot, "idVendor"))
		dev.ProductID = readAttr(filepath.Join(usbRoot, "idProduct"))
		dev.Serial = readAttr(filepath.Join(usbRoot, "serial"))
		dev.Product = readAttr(filepath.Join(usbRoot, "product"))
		isBad, devType := analysis.CheckBadUSB(usbRoot)
		dev.DeviceType = devType
		if isBad {
			sysutil.OrNop(s.Log).Warn("🚨 POTENTIAL BADUSB DETECTED", zap.String("serial", dev.Serial), zap.String("mount", m.MountPoint))
		}
	} else if !s.removable(realSysPath) {
		return model.DeviceIdentity{}, false
	} else {
		dev.DeviceType = analysis.DeviceTypeDisk
	}

	dev.ID, dev.Stable = model.IdentityFor(dev.VendorID, dev.ProductID, dev.Serial, dev.DevicePath, dev.MountPath)
	return dev, true
}

// removable 分区的 removable 属性在其所属磁盘目录上
func (s *SysfsEnumerator) removable(sysPath string) bool {
	disk := sysPath
	if _, err := os.Stat(filepath.Join(sysPath, "partition")); err == nil {
		disk = filepath.Dir(sysPath)
	}
	return readAttr(filepath.Join(s.SysRoot, "block", filepath.Base(disk), "removable")) == "1"
}

// labels 设备路径 -> 卷标
func (s *SysfsEnumerator) labels() map[string]string {
	out := make(map[string]string)
	entries, err := os.ReadDir(s.ByLabelDir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(s.ByLabelDir, e.Name()))
		if err != nil {
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(s.ByLabelDir, target)
		}
		out[filepath.Clean(target)] = unescapeLabel(e.Name())
	}
	return out
}

// unescapeLabel udev 以 \x20 形式转义卷标中的特殊字符
func unescapeLabel(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && s[i+1] == 'x' {
			var v byte
			ok := true
			for _, c := range []byte(s[i+2 : i+4]) {
				v <<= 4
				switch {
				case c >= '0' && c <= '9':
					v |= c - '0'
				case c >= 'a' && c <= 'f':
					v |= c - 'a' + 10
				case c >= 'A' && c <= 'F':
					v |= c - 'A' + 10
				default:
					ok = false
				}
			}
			if ok {
				b.WriteByte(v)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// findUSBRoot 向上查找包含 idVendor 的目录（即 USB Device 根目录）
func findUSBRoot(path string) (string, bool) {
	dir := path
	// 向上回溯最多 10 层，通常 USB 设备在 sysfs 树的上层
	for i := 0; i < 10; i++ {
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." {
			break
		}
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir, true
		}
	}
	return path, false
}

func readAttr(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
