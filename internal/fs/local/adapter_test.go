package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world"), 0644))

	a := NewAdapter(dir)
	src, err := a.Open("a.txt")
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, int64(11), src.Size())
	buf := make([]byte, 5)
	n, err := src.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	// 绝对路径不受 root 影响
	abs, err := NewAdapter(t.TempDir()).Open(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.NoError(t, abs.Close())
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(dir)

	_, err := a.Open("missing")
	assert.Error(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	_, err = a.Open("sub")
	assert.Error(t, err)
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "photos", "2024"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photos", "b.jpg"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photos", "2024", "a.jpg"), []byte("a"), 0644))

	files, err := NewAdapter(dir).ListFiles("photos")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024/a.jpg", "b.jpg"}, files)
}
