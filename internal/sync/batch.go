package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"cloudsync/internal/fs"
	"cloudsync/internal/metrics"
	"cloudsync/pkg/retry"
)

// Mutator 批量变更的远端能力 (fs.RemoteFileClient 的子集)
type Mutator interface {
	MutateBatch(ctx context.Context, op fs.BatchOp, paths []string, extra fs.MutationExtra) ([]fs.MutationAck, error)
}

// MetadataInvalidator 目录缓存的失效能力 (metacache.Cache 实现)
type MetadataInvalidator interface {
	Invalidate(dir string)
	InvalidatePrefix(prefix string)
	PatchItem(dir, itemPath string, mutate func(*fs.FileItem)) bool
}

// PreviewInvalidator 预览缓存的失效能力 (preview.Manager 实现)
type PreviewInvalidator interface {
	Invalidate(path string)
	InvalidateDirectory(prefix string) int
}

// CoordinatorOptions 批量操作参数
type CoordinatorOptions struct {
	Client Mutator
	// Metadata 与 Previews 可选，为 nil 时不做对应的失效
	Metadata MetadataInvalidator
	Previews PreviewInvalidator
	// Concurrency 同时进行的请求数，默认 4
	Concurrency int
	Retry       retry.Config
}

// Coordinator BatchOperationCoordinator 实现
type Coordinator struct {
	opts CoordinatorOptions
}

// NewCoordinator 创建批量操作协调器
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Coordinator{opts: opts}
}

// Apply 对每个路径独立执行 cmd，一个路径失败不影响其他路径
// 全部结束后只对成功的路径做缓存失效
func (c *Coordinator) Apply(ctx context.Context, cmd Command, paths []string) BatchResult {
	result := newBatchResult()
	targets := uniquePaths(paths)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.opts.Concurrency)
	for _, p := range targets {
		g.Go(func() error {
			err := c.applyOne(ctx, cmd, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[p] = fs.KindOf(err)
				result.Errors[p] = err
				return nil
			}
			result.Succeeded = append(result.Succeeded, p)
			return nil
		})
	}
	_ = g.Wait() // 单项错误已记录在 result 中

	sort.Strings(result.Succeeded)
	op := opName(cmd)
	for _, p := range result.Succeeded {
		c.invalidate(cmd, p)
		metrics.RecordBatchItem(op, true)
	}
	for p, err := range result.Errors {
		metrics.RecordBatchItem(op, false)
		slog.Warn("批量操作单项失败", "op", op, "path", p, "kind", result.Failed[p], "err", err)
	}
	slog.Info("批量操作完成", "op", op, "succeeded", len(result.Succeeded), "failed", len(result.Failed))
	return result
}

func (c *Coordinator) applyOne(ctx context.Context, cmd Command, p string) error {
	if p == "/" {
		return fs.NewError(fs.ServerRejected, opName(cmd), p, "不能操作根目录", nil)
	}
	op, extra, err := plan(cmd, p)
	if err != nil {
		return err
	}

	return retry.Do(ctx, c.opts.Retry, func() error {
		acks, err := c.opts.Client.MutateBatch(ctx, op, []string{p}, extra)
		if err != nil {
			return fs.Retryable(err)
		}
		for _, ack := range acks {
			if fs.CleanPath(ack.Path) == p || len(acks) == 1 {
				return fs.Retryable(ack.Err)
			}
		}
		return nil
	})
}

// plan 把命令映射为远端调用，新增命令类型时必须在这里处理
func plan(cmd Command, p string) (fs.BatchOp, fs.MutationExtra, error) {
	switch cmd := cmd.(type) {
	case Move:
		return fs.OpMove, fs.MutationExtra{DestDir: fs.CleanPath(cmd.DestDir)}, nil
	case Copy:
		return fs.OpCopy, fs.MutationExtra{DestDir: fs.CleanPath(cmd.DestDir)}, nil
	case Rename:
		if cmd.NewName == "" || cmd.NewName != fs.Base(cmd.NewName) {
			return "", fs.MutationExtra{}, fs.NewError(fs.ServerRejected, "rename", p, fmt.Sprintf("无效的文件名 %q", cmd.NewName), nil)
		}
		return fs.OpMove, fs.MutationExtra{DestDir: fs.Parent(p), NewName: cmd.NewName}, nil
	case Delete:
		return fs.OpDelete, fs.MutationExtra{}, nil
	case SetStarred:
		return fs.OpSetStarred, fs.MutationExtra{Starred: cmd.Starred}, nil
	}
	return "", fs.MutationExtra{}, fs.NewError(fs.ServerRejected, "batch", p, fmt.Sprintf("未知的批量命令 %T", cmd), nil)
}

// invalidate 成功路径的缓存失效
//
//	Delete      目录缓存 prefix(p) + parent(p)，预览 prefix(p)
//	Move/Rename 目录缓存 prefix(p) + parent(p) + 新位置，预览 prefix(p) + 新位置
//	Copy        目录缓存 parent(p) + 新位置，预览 新位置
//	SetStarred  乐观修改 parent(p) 中的条目，等待下一次刷新
func (c *Coordinator) invalidate(cmd Command, p string) {
	md, pv := c.opts.Metadata, c.opts.Previews
	parent := fs.Parent(p)

	dropMetadata := func(prefixes ...string) {
		if md == nil {
			return
		}
		for _, prefix := range prefixes {
			md.InvalidatePrefix(prefix)
		}
		md.Invalidate(parent)
	}
	dropPreviews := func(prefixes ...string) {
		if pv == nil {
			return
		}
		for _, prefix := range prefixes {
			pv.InvalidateDirectory(prefix)
		}
	}

	switch cmd := cmd.(type) {
	case Delete:
		dropMetadata(p)
		dropPreviews(p)
	case Move:
		dest := fs.CleanPath(cmd.DestDir)
		target := fs.Join(dest, fs.Base(p))
		dropMetadata(p, target)
		if md != nil {
			md.Invalidate(dest)
		}
		dropPreviews(p, target)
	case Rename:
		target := fs.Join(parent, cmd.NewName)
		dropMetadata(p, target)
		dropPreviews(p, target)
	case Copy:
		dest := fs.CleanPath(cmd.DestDir)
		target := fs.Join(dest, fs.Base(p))
		dropMetadata(target)
		if md != nil {
			md.Invalidate(dest)
		}
		dropPreviews(target)
	case SetStarred:
		if md != nil {
			md.PatchItem(parent, p, func(it *fs.FileItem) { it.IsStarred = cmd.Starred })
		}
	}
}

func opName(cmd Command) string {
	switch cmd.(type) {
	case Move:
		return "move"
	case Copy:
		return "copy"
	case Rename:
		return "rename"
	case Delete:
		return "delete"
	case SetStarred:
		return "star"
	}
	return "unknown"
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = fs.CleanPath(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
