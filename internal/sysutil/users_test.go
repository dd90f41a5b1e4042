package sysutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserResolverReadsUid(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "42"), 0o755))
	status := "Name:\tcp\nState:\tS (sleeping)\nUid:\t4242424\t4242424\t4242424\t4242424\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "42", "status"), []byte(status), 0o644))

	r := NewUserResolver()
	r.ProcRoot = root

	// 不存在的 uid 以数字形式返回
	assert.Equal(t, "4242424", r.Lookup(42))
	assert.Equal(t, "4242424", r.Lookup(42))

	assert.Equal(t, r.fallback, r.Lookup(0))
	assert.Equal(t, r.fallback, r.Lookup(7))
}
