package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloudsync/internal/database"
	"cloudsync/internal/fs"
	"cloudsync/internal/metacache"
	"cloudsync/internal/preview"
	"cloudsync/internal/upload"
)

// EngineOptions 初始化选项
// 各组件的 Options 只需填写参数部分，依赖由 NewEngine 注入
type EngineOptions struct {
	Client fs.RemoteFileClient
	Opener fs.SourceOpener
	// DB 可选，保存预览索引与上传断点
	DB *database.DB

	Metadata metacache.Options
	Preview  preview.Options
	Upload   upload.Options
	Batch    CoordinatorOptions
}

// Engine 调用方的唯一入口
// 组合目录缓存、预览缓存、上传队列与批量操作，并负责变更之后的缓存失效
type Engine struct {
	metadata *metacache.Cache
	previews *preview.Manager
	uploads  *upload.Queue
	batch    *Coordinator
}

// NewEngine 组装各组件
func NewEngine(opts *EngineOptions) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("缺少远端客户端")
	}
	if opts.Opener == nil {
		return nil, errors.New("缺少上传源")
	}

	e := &Engine{}
	e.metadata = metacache.New(opts.Client, opts.Metadata)

	previewOpts := opts.Preview
	previewOpts.Downloader = opts.Client
	if opts.DB != nil {
		previewOpts.Store = opts.DB
	}
	previews, err := preview.New(previewOpts)
	if err != nil {
		return nil, fmt.Errorf("初始化预览缓存失败: %w", err)
	}
	e.previews = previews

	uploadOpts := opts.Upload
	uploadOpts.Client = opts.Client
	uploadOpts.Opener = opts.Opener
	if opts.DB != nil {
		uploadOpts.Store = opts.DB
	}
	uploadOpts.OnCompleted = e.uploadCompleted
	e.uploads = upload.NewQueue(uploadOpts)

	batchOpts := opts.Batch
	batchOpts.Client = opts.Client
	batchOpts.Metadata = e.metadata
	batchOpts.Previews = e.previews
	e.batch = NewCoordinator(batchOpts)

	return e, nil
}

// LoadFilesIfNeeded 返回目录内容，缓存新鲜时不访问网络
func (e *Engine) LoadFilesIfNeeded(ctx context.Context, dir string) ([]fs.FileItem, error) {
	return e.metadata.LoadIfNeeded(ctx, dir)
}

// LoadFilesAllowStale 同 LoadFilesIfNeeded，但接受过期的缓存
func (e *Engine) LoadFilesAllowStale(ctx context.Context, dir string) ([]fs.FileItem, error) {
	return e.metadata.LoadAllowStale(ctx, dir)
}

// RefreshFiles 强制重新拉取目录
func (e *Engine) RefreshFiles(ctx context.Context, dir string) ([]fs.FileItem, error) {
	return e.metadata.Refresh(ctx, dir)
}

// Invalidate 失效单个路径的目录缓存与预览
func (e *Engine) Invalidate(path string) {
	e.metadata.Invalidate(path)
	e.previews.Invalidate(path)
}

// InvalidatePrefix 失效 prefix 及其下所有路径的目录缓存与预览
func (e *Engine) InvalidatePrefix(prefix string) {
	e.metadata.InvalidatePrefix(prefix)
	e.previews.InvalidateDirectory(prefix)
}

// GetCachedPreviewURL 返回已缓存预览的 file:// URL
func (e *Engine) GetCachedPreviewURL(path string) (string, bool) {
	return e.previews.GetCachedURL(path)
}

// CachePreview 缓存预览内容，失败时静默忽略
func (e *Engine) CachePreview(path string, blob io.Reader) {
	e.previews.Cache(path, blob)
}

// FetchPreview 返回预览 URL，未缓存时下载
func (e *Engine) FetchPreview(ctx context.Context, path string) (string, error) {
	return e.previews.Fetch(ctx, path)
}

// PreviewStats 预览缓存统计
func (e *Engine) PreviewStats() preview.Stats {
	return e.previews.Stats()
}

// EnqueueUpload 提交上传任务
func (e *Engine) EnqueueUpload(ctx context.Context, sourceRef, destinationPath string) (*upload.Handle, error) {
	return e.uploads.Enqueue(ctx, sourceRef, destinationPath)
}

// CancelUpload 取消上传任务
func (e *Engine) CancelUpload(taskID string) error {
	return e.uploads.Cancel(taskID)
}

// Uploads 所有上传任务的快照
func (e *Engine) Uploads() []upload.Progress {
	return e.uploads.List()
}

// ResumeUploads 恢复上次未完成的上传
func (e *Engine) ResumeUploads(ctx context.Context) ([]*upload.Handle, error) {
	return e.uploads.Restore(ctx)
}

// ApplyBatch 对一组路径执行批量变更
func (e *Engine) ApplyBatch(ctx context.Context, cmd Command, paths []string) BatchResult {
	return e.batch.Apply(ctx, cmd, paths)
}

// Close 停止上传队列，未完成的任务保留断点
func (e *Engine) Close() error {
	return e.uploads.Close()
}

// uploadCompleted 上传完成后失效目标目录的列表与目标路径上的旧预览
func (e *Engine) uploadCompleted(destinationPath string, item fs.FileItem) {
	paths := []string{destinationPath}
	if item.Path != "" && fs.CleanPath(item.Path) != destinationPath {
		// 服务端可能因重名改了文件名
		paths = append(paths, fs.CleanPath(item.Path))
	}
	for _, p := range paths {
		e.metadata.Invalidate(fs.Parent(p))
		e.previews.Invalidate(p)
	}
	slog.Debug("上传完成，已失效相关缓存", "dest", destinationPath, "path", item.Path)
}
