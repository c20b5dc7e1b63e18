package local

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	cfs "cloudsync/internal/fs"
)

// Adapter 本地文件系统适配器，为上传队列提供数据源
type Adapter struct {
	rootDir string // 相对 sourceRef 的基准目录
}

var _ cfs.SourceOpener = (*Adapter)(nil)

// NewAdapter 创建一个新的本地适配器
// rootDir 为空时使用当前工作目录，绝对路径的 sourceRef 不受其影响
func NewAdapter(rootDir string) *Adapter {
	if rootDir == "" {
		rootDir = "."
	}
	// 确保 rootDir 是绝对路径
	absDir, err := filepath.Abs(rootDir)
	if err != nil {
		absDir = rootDir
	}
	return &Adapter{rootDir: absDir}
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return a.rootDir
}

// toSysPath 将 sourceRef 转换为本地系统绝对路径
func (a *Adapter) toSysPath(ref string) string {
	p := filepath.FromSlash(ref)
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(a.rootDir, p)
}

// file 包装 *os.File，记录打开时的大小
type file struct {
	*os.File
	size int64
}

func (f *file) Size() int64 { return f.size }

// Open 打开本地文件作为上传源
func (a *Adapter) Open(ref string) (cfs.Source, error) {
	fullPath := a.toSysPath(ref)
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("打开本地文件失败: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("读取文件信息失败: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("不能上传目录: %s", ref)
	}
	return &file{File: f, size: info.Size()}, nil
}

// ListFiles 递归扫描本地目录，返回所有普通文件相对 dir 的路径 (统一使用 "/" 分隔)
// 用于整目录上传
func (a *Adapter) ListFiles(dir string) ([]string, error) {
	base := a.toSysPath(dir)
	var files []string
	var errs []error

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, fmt.Errorf("扫描文件出错 %s: %w", path, err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%d errors occurred during file scan: %v", len(errs), errs)
	}

	sort.Strings(files)
	return files, nil
}
