package fs

import (
	"path"
	"strings"
)

// CleanPath 规范化远端路径: 以 / 开头，不以 / 结尾
// "docs//a/../b/" -> "/docs/b"
func CleanPath(p string) string {
	cleaned := path.Clean("/" + strings.TrimSpace(p))
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

// Parent 返回父目录，根目录的父目录仍是根目录
func Parent(p string) string {
	return path.Dir(CleanPath(p))
}

// Base 返回最后一级名字
func Base(p string) string {
	return path.Base(CleanPath(p))
}

// Join 拼接目录与名字
func Join(dir, name string) string {
	return CleanPath(path.Join(dir, name))
}

// IsWithin 判断 p 是否等于 prefix 或位于其下
// 按路径段比较: "/a/b" 覆盖 "/a/b/c"，但不覆盖 "/a/bc"
func IsWithin(p, prefix string) bool {
	p = CleanPath(p)
	prefix = CleanPath(prefix)
	if prefix == "/" || p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}
