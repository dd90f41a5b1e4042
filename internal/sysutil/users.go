package sysutil

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// UserResolver 进程 -> 用户名，uid 查询结果做缓存
type UserResolver struct {
	ProcRoot string
	fallback string
	names    *lru.Cache[string, string]
}

// NewUserResolver pid 不可用时回落到当前用户
func NewUserResolver() *UserResolver {
	names, _ := lru.New[string, string](128)
	r := &UserResolver{ProcRoot: "/proc", names: names}
	if u, err := user.Current(); err == nil {
		r.fallback = u.Username
	}
	return r
}

// Lookup 进程的真实 uid 对应的用户名
func (r *UserResolver) Lookup(pid int32) string {
	if pid <= 0 {
		return r.fallback
	}
	uid, err := r.uidOf(pid)
	if err != nil {
		// 进程可能已经退出
		return r.fallback
	}
	if name, ok := r.names.Get(uid); ok {
		return name
	}
	name := uid
	if u, err := user.LookupId(uid); err == nil {
		name = u.Username
	}
	r.names.Add(uid, name)
	return name
}

func (r *UserResolver) uidOf(pid int32) (string, error) {
	f, err := os.Open(filepath.Join(r.ProcRoot, fmt.Sprint(pid), "status"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rest, ok := strings.CutPrefix(scanner.Text(), "Uid:")
		if !ok {
			continue
		}
		// Uid: real effective saved fs
		if fields := strings.Fields(rest); len(fields) > 0 {
			return fields[0], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no Uid line for pid %d", pid)
}
