package sysutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ProcMounts Linux 挂载表
const ProcMounts = "/proc/mounts"

// MountEntry /proc/mounts 中的一行
type MountEntry struct {
	Device     string // e.g. /dev/sdb1
	MountPoint string // e.g. /media/usb
	FSType     string
	Options    []string
}

// ReadMounts 读取挂载表
func ReadMounts(path string) ([]MountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ParseMounts(f)
}

// ParseMounts 解析 /proc/mounts 格式；挂载路径中的空格等以八进制转义（\040）
func ParseMounts(r io.Reader) ([]MountEntry, error) {
	var entries []MountEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		e := MountEntry{
			Device:     unescapeMount(fields[0]),
			MountPoint: unescapeMount(fields[1]),
			FSType:     fields[2],
		}
		if len(fields) > 3 {
			e.Options = strings.Split(fields[3], ",")
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// IsBlockDevice 只关心 /dev/ 开头的设备，且不是 loop 设备
func (e MountEntry) IsBlockDevice() bool {
	return strings.HasPrefix(e.Device, "/dev/") && !strings.HasPrefix(e.Device, "/dev/loop")
}

func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
