package monitor

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// sizeIndex 路径 -> 最近一次看到的大小；删除/重命名事件本身不带大小
type sizeIndex map[string]int64

type indexed struct {
	path string
	size int64
}

// take 取出 p 本身，或者（p 为目录时）其下全部已索引文件
func (x sizeIndex) take(p string) []indexed {
	if size, ok := x[p]; ok {
		delete(x, p)
		return []indexed{{p, size}}
	}
	prefix := p + string(filepath.Separator)
	var out []indexed
	for k, size := range x {
		if strings.HasPrefix(k, prefix) {
			out = append(out, indexed{k, size})
		}
	}
	for _, e := range out {
		delete(x, e.path)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// walk 索引 root 下的普通文件；dir 对每个目录回调，返回 fs.SkipDir 跳过
func (x sizeIndex) walk(root string, dir func(p string) error, file func(p string, size int64)) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if dir != nil {
				return dir(p)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		x[p] = info.Size()
		if file != nil {
			file(p, info.Size())
		}
		return nil
	})
}
