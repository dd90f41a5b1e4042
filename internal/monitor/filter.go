package monitor

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/Hara602/usbAudit/internal/config"
)

// Filter 扩展名与大小过滤，捕获阶段和分类阶段都会调用
type Filter struct {
	include []string
	exclude []string
	minSize int64
	maxSize *int64
}

// NewFilter 模式可以是 "*"、".ext"（或 "ext"）、或 glob（匹配文件名）
func NewFilter(include, exclude []string, minSize int64, maxSize *int64) *Filter {
	norm := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, p := range in {
			if p = config.NormalizeExt(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return &Filter{include: norm(include), exclude: norm(exclude), minSize: minSize, maxSize: maxSize}
}

// FilterFromConfig 由 monitoring.* 配置构造
func FilterFromConfig(cfg *config.Config) *Filter {
	m := cfg.Monitoring
	return NewFilter(m.IncludeFileExtensions, m.ExcludeFileExtensions, m.MinFileSizeBytes, m.MaxFileSizeBytes)
}

// Allow 路径与大小是否需要记录；size 为 model.SizeUnknown 时不做大小过滤
func (f *Filter) Allow(p string, size int64) bool {
	if f == nil {
		return true
	}
	return f.AllowPath(p) && f.AllowSize(size)
}

// AllowPath 只判断扩展名
func (f *Filter) AllowPath(p string) bool {
	if f == nil {
		return true
	}
	name := strings.ToLower(filepath.Base(p))
	ext := strings.ToLower(filepath.Ext(p))
	for _, pat := range f.exclude {
		if match(pat, name, ext) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, pat := range f.include {
		if match(pat, name, ext) {
			return true
		}
	}
	return false
}

// AllowSize 只判断大小
func (f *Filter) AllowSize(size int64) bool {
	if f == nil || size < 0 {
		return true
	}
	if size < f.minSize {
		return false
	}
	return f.maxSize == nil || size <= *f.maxSize
}

func match(pat, name, ext string) bool {
	switch {
	case pat == "*":
		return true
	case strings.ContainsAny(pat, "*?["):
		ok, _ := path.Match(pat, name)
		return ok
	default:
		return pat == ext
	}
}
