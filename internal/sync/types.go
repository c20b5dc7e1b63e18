package sync

import (
	"fmt"
	"sort"

	"cloudsync/internal/fs"
)

// Command 批量变更命令
// 只有本包定义的几种类型，Coordinator 对它们做穷举分派
type Command interface {
	isCommand()
}

// Move 移动到 DestDir (保留原名)
type Move struct {
	DestDir string
}

// Copy 复制到 DestDir (保留原名)
type Copy struct {
	DestDir string
}

// Rename 在原目录内改名
type Rename struct {
	NewName string
}

// Delete 删除
type Delete struct{}

// SetStarred 设置收藏状态
type SetStarred struct {
	Starred bool
}

func (Move) isCommand()       {}
func (Copy) isCommand()       {}
func (Rename) isCommand()     {}
func (Delete) isCommand()     {}
func (SetStarred) isCommand() {}

// BatchResult 一次批量操作的结果，每个路径的结果互相独立
type BatchResult struct {
	Succeeded []string // 按路径排序
	Failed    map[string]fs.ErrorKind
	Errors    map[string]error // 失败路径对应的原始错误 (含服务端消息)
}

func newBatchResult() BatchResult {
	return BatchResult{
		Failed: make(map[string]fs.ErrorKind),
		Errors: make(map[string]error),
	}
}

// OK 路径是否成功
func (r BatchResult) OK(path string) bool {
	i := sort.SearchStrings(r.Succeeded, path)
	return i < len(r.Succeeded) && r.Succeeded[i] == path
}

// FailedPaths 失败路径，按路径排序
func (r BatchResult) FailedPaths() []string {
	paths := make([]string, 0, len(r.Failed))
	for p := range r.Failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Summary 面向用户的部分成功提示
func (r BatchResult) Summary() string {
	if len(r.Failed) == 0 {
		return fmt.Sprintf("%d 项成功", len(r.Succeeded))
	}
	return fmt.Sprintf("%d 项成功, %d 项失败", len(r.Succeeded), len(r.Failed))
}
