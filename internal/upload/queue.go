// Package upload 分片、可续传、可取消的上传队列
package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"cloudsync/internal/database"
	"cloudsync/internal/fs"
	"cloudsync/internal/metrics"
	"cloudsync/pkg/retry"
)

var (
	// ErrTaskNotFound 任务不存在
	ErrTaskNotFound = errors.New("上传任务不存在")
	// ErrNotCancellable 任务已在合并或已结束
	ErrNotCancellable = errors.New("任务当前状态不可取消")
	// ErrQueueClosed 队列已关闭，被中断的任务保留断点，下次启动可续传
	ErrQueueClosed = errors.New("上传队列已关闭")
)

// Uploader 分片上传的远端能力 (fs.RemoteFileClient 的子集)
type Uploader interface {
	InitUploadSession(ctx context.Context, fileName, destinationPath string, totalBytes int64) (fs.UploadSession, error)
	UploadChunk(ctx context.Context, sessionID string, index int, data []byte) (fs.ChunkAck, error)
	CompleteUpload(ctx context.Context, sessionID string) (fs.FileItem, error)
}

// CheckpointStore 断点持久化 (database.DB 实现)
type CheckpointStore interface {
	PutUpload(rec *database.UploadRecord) error
	DeleteUpload(id string) error
	// ListUploads 返回可解析的断点以及无法解析的 key
	ListUploads() ([]*database.UploadRecord, []string, error)
}

// Options 上传队列参数
type Options struct {
	Client Uploader
	Opener fs.SourceOpener
	// Store 可选，nil 时不保存断点
	Store CheckpointStore

	// Concurrency 同时进行的任务数，默认 3
	Concurrency int
	// Retry 单个分片 (以及会话协商、合并) 的重试策略
	Retry retry.Config
	// SpeedWindow 速度统计的滑动窗口，默认 5s
	SpeedWindow time.Duration
	// OnCompleted 可选，任务完成、进入终态之前调用
	// destinationPath 为入队时的目标路径，item 为服务端最终返回的文件信息
	OnCompleted func(destinationPath string, item fs.FileItem)
	Now         func() time.Time
}

// Queue UploadTaskQueue 实现
type Queue struct {
	opts Options
	sem  *semaphore.Weighted

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tasks  map[string]*task
	active map[activeKey]*task
}

// NewQueue 创建上传队列
func NewQueue(opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.SpeedWindow <= 0 {
		opts.SpeedWindow = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Queue{
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		ctx:    ctx,
		stop:   stop,
		tasks:  make(map[string]*task),
		active: make(map[activeKey]*task),
	}
}

// Enqueue 打开上传源并创建任务
// 同一 (sourceRef, destinationPath) 已有未结束的任务时直接返回该任务的句柄
func (q *Queue) Enqueue(ctx context.Context, sourceRef, destinationPath string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dest := fs.CleanPath(destinationPath)
	if dest == "/" {
		return nil, fmt.Errorf("目标路径无效: %q", destinationPath)
	}
	key := activeKey{source: sourceRef, dest: dest}

	if h, err := q.existing(key); h != nil || err != nil {
		return h, err
	}

	// 打开源文件涉及磁盘 I/O，不持有锁
	src, err := q.opts.Opener.Open(sourceRef)
	if err != nil {
		return nil, fmt.Errorf("打开上传源失败: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// 打开期间可能有同一对路径的任务入队，或队列已关闭
	if h, err := q.existingLocked(key); h != nil || err != nil {
		if cerr := src.Close(); cerr != nil {
			slog.Debug("关闭上传源失败", "source", sourceRef, "err", cerr)
		}
		return h, err
	}

	t := q.newTask(uuid.NewString(), key, src)
	q.submitLocked(t)
	slog.Info("上传任务已入队", "id", t.p.ID, "source", sourceRef, "dest", dest, "size", t.p.TotalBytes)
	return &Handle{t: t}, nil
}

func (q *Queue) existing(key activeKey) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.existingLocked(key)
}

// existingLocked 队列已关闭时返回错误，同一对路径有未结束的任务时返回其句柄
func (q *Queue) existingLocked(key activeKey) (*Handle, error) {
	if q.closed {
		return nil, ErrQueueClosed
	}
	if t, ok := q.active[key]; ok {
		slog.Debug("任务已在队列中", "id", t.p.ID, "source", key.source, "dest", key.dest)
		return &Handle{t: t}, nil
	}
	return nil, nil
}

// Cancel 请求取消任务
// 取消是协作式的: 不会再发送新的分片，正在进行的请求会被中断
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	q.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	if !t.requestCancel() {
		return ErrNotCancellable
	}
	t.cancel()
	slog.Info("已请求取消上传", "id", taskID)
	return nil
}

// Get 按 ID 查找任务
func (q *Queue) Get(taskID string) (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, false
	}
	return &Handle{t: t}, true
}

// List 返回所有任务 (含已结束的) 的快照，按创建时间排序
func (q *Queue) List() []Progress {
	q.mu.Lock()
	tasks := make([]*task, 0, len(q.tasks))
	for _, t := range q.tasks {
		tasks = append(tasks, t)
	}
	q.mu.Unlock()

	out := make([]Progress, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Restore 从断点恢复未结束的任务
// 源文件大小未变时在原会话上从 NextChunkIndex 继续，否则重新协商会话
func (q *Queue) Restore(ctx context.Context) ([]*Handle, error) {
	if q.opts.Store == nil {
		return nil, nil
	}
	records, corrupt, err := q.opts.Store.ListUploads()
	if err != nil {
		return nil, fmt.Errorf("读取上传断点失败: %w", err)
	}
	for _, key := range corrupt {
		slog.Warn("上传断点损坏，已删除", "id", key)
		q.deleteCheckpoint(key)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UpdatedAt < records[j].UpdatedAt })

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	var handles []*Handle
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return handles, err
		}
		status, ok := parseStatus(rec.Status)
		if !ok || status.Terminal() {
			q.deleteCheckpoint(rec.ID)
			continue
		}
		key := activeKey{source: rec.SourceRef, dest: fs.CleanPath(rec.DestinationPath)}
		if _, ok := q.active[key]; ok {
			continue
		}
		if _, ok := q.tasks[rec.ID]; ok {
			continue
		}

		src, err := q.opts.Opener.Open(rec.SourceRef)
		if err != nil {
			slog.Warn("续传源文件不可用，放弃断点", "id", rec.ID, "source", rec.SourceRef, "err", err)
			q.deleteCheckpoint(rec.ID)
			continue
		}

		t := q.newTask(rec.ID, key, src)
		if src.Size() == rec.TotalBytes && rec.SessionID != "" && rec.ChunkSize > 0 {
			t.p.SessionID = rec.SessionID
			t.p.ChunkSize = rec.ChunkSize
			t.p.NextChunkIndex = rec.NextChunkIndex
			t.p.BytesTransferred = rec.BytesTransferred
		} else if rec.SessionID != "" {
			slog.Info("源文件已变化，重新上传", "id", rec.ID, "source", rec.SourceRef)
		}
		slog.Info("恢复上传任务", "id", rec.ID, "dest", key.dest, "next_chunk", t.p.NextChunkIndex)
		q.submitLocked(t)
		handles = append(handles, &Handle{t: t})
	}
	return handles, nil
}

// Close 停止接收新任务并中断进行中的任务，等待所有任务退出
// 被中断的任务保留断点
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.stop()
	q.wg.Wait()
	return nil
}

func (q *Queue) newTask(id string, key activeKey, src fs.Source) *task {
	ctx, cancel := context.WithCancel(q.ctx)
	now := q.opts.Now()
	return &task{
		key:    key,
		src:    src,
		ctx:    ctx,
		cancel: cancel,
		p: Progress{
			ID:              id,
			SourceRef:       key.source,
			DestinationPath: key.dest,
			Status:          Pending,
			TotalBytes:      src.Size(),
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		speed:   newSpeedMeter(q.opts.SpeedWindow),
		updates: make(chan Progress, updatesBuffer),
		done:    make(chan struct{}),
	}
}

// submitLocked 登记任务并启动，调用时需持有 q.mu
func (q *Queue) submitLocked(t *task) {
	q.tasks[t.p.ID] = t
	q.active[t.key] = t
	q.checkpoint(t)

	q.wg.Add(1)
	go q.run(t)
}

func (q *Queue) run(t *task) {
	defer q.wg.Done()
	defer t.cancel()
	defer t.closeSource()

	if err := q.sem.Acquire(t.ctx, 1); err != nil {
		q.abort(t, err)
		return
	}
	defer q.sem.Release(1)

	q.upload(t)
}

func (q *Queue) upload(t *task) {
	if !t.start(q.opts.Now()) {
		q.abort(t, context.Canceled)
		return
	}

	p := t.snapshot()
	if p.SessionID == "" {
		sess, err := retry.DoWithResult(t.ctx, q.retryConfig(t, "init"), func() (fs.UploadSession, error) {
			s, err := q.opts.Client.InitUploadSession(t.ctx, fs.Base(p.DestinationPath), p.DestinationPath, p.TotalBytes)
			return s, fs.Retryable(err)
		})
		if err == nil && sess.ChunkSize <= 0 {
			err = fs.NewError(fs.ServerRejected, "init_upload", p.DestinationPath, fmt.Sprintf("无效的分片大小 %d", sess.ChunkSize), nil)
		}
		if err != nil {
			q.abort(t, err)
			return
		}
		t.setSession(sess, q.opts.Now())
		q.checkpoint(t)
		p = t.snapshot()
		slog.Debug("上传会话已建立", "id", p.ID, "session", sess.SessionID, "chunk_size", sess.ChunkSize)
	}

	chunks := chunkCount(p.TotalBytes, p.ChunkSize)
	buf := make([]byte, min(p.ChunkSize, max(p.TotalBytes, 1)))
	for i := p.NextChunkIndex; i < chunks; i++ {
		if t.cancelled.Load() {
			q.abort(t, context.Canceled)
			return
		}

		offset := int64(i) * p.ChunkSize
		n := min(p.ChunkSize, p.TotalBytes-offset)
		data := buf[:n]
		if read, err := t.src.ReadAt(data, offset); err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
			q.abort(t, fmt.Errorf("读取分片 %d 失败: %w", i, err))
			return
		}

		if err := q.sendChunk(t, p, i, data); err != nil {
			q.abort(t, err)
			return
		}
		if !t.advance(i, offset+n, q.opts.Now()) {
			q.abort(t, context.Canceled)
			return
		}
		q.checkpoint(t)
		metrics.RecordUploadBytes(n)
	}

	if !t.merge(q.opts.Now()) {
		q.abort(t, context.Canceled)
		return
	}
	q.checkpoint(t)

	item, err := retry.DoWithResult(t.ctx, q.retryConfig(t, "complete"), func() (fs.FileItem, error) {
		item, err := q.opts.Client.CompleteUpload(t.ctx, p.SessionID)
		return item, fs.Retryable(err)
	})
	if err != nil {
		q.abort(t, err)
		return
	}

	if q.opts.OnCompleted != nil {
		q.opts.OnCompleted(p.DestinationPath, item)
	}
	q.finish(t, Completed, nil, &item)
}

// sendChunk 上传单个分片，对网络错误与校验失败按策略重试该分片
func (q *Queue) sendChunk(t *task, p Progress, index int, data []byte) error {
	sum := md5.Sum(data)
	want := hex.EncodeToString(sum[:])

	return retry.Do(t.ctx, q.retryConfig(t, "chunk"), func() error {
		ack, err := q.opts.Client.UploadChunk(t.ctx, p.SessionID, index, data)
		if err != nil {
			return fs.Retryable(err)
		}
		if ack.MD5 != "" && !strings.EqualFold(ack.MD5, want) {
			return fs.Retryable(fs.NewError(fs.ChunkIntegrityError, "upload_chunk", p.DestinationPath,
				fmt.Sprintf("分片 %d 校验失败: local=%s remote=%s", index, want, ack.MD5), nil))
		}
		return nil
	})
}

func (q *Queue) retryConfig(t *task, stage string) retry.Config {
	cfg := q.opts.Retry
	cfg.OnRetry = func(attempt int, err error) {
		kind := fs.KindOf(err)
		if stage == "chunk" {
			metrics.RecordChunkRetry(kind.String())
		}
		slog.Warn("上传请求失败，准备重试", "id", t.p.ID, "stage", stage, "attempt", attempt, "kind", kind, "err", err)
	}
	return cfg
}

// abort 按原因决定终态: 用户取消 → Cancelled；队列关闭 → 保留断点；其余 → Failed
func (q *Queue) abort(t *task, err error) {
	switch {
	case t.cancelled.Load():
		q.finish(t, Cancelled, nil, nil)
	case q.ctx.Err() != nil:
		q.finish(t, Failed, ErrQueueClosed, nil)
	default:
		q.finish(t, Failed, err, nil)
	}
}

func (q *Queue) finish(t *task, status Status, err error, result *fs.FileItem) {
	// 先释放上传源，再让等待者看到终态
	t.closeSource()
	p, ok := t.terminate(status, err, result, q.opts.Now())
	if !ok {
		return
	}

	q.mu.Lock()
	if q.active[t.key] == t {
		delete(q.active, t.key)
	}
	q.mu.Unlock()

	if !errors.Is(err, ErrQueueClosed) {
		q.deleteCheckpoint(p.ID)
	}
	metrics.RecordUploadFinished(status.String())

	switch status {
	case Completed:
		slog.Info("上传完成", "id", p.ID, "dest", p.DestinationPath, "bytes", p.BytesTransferred)
	case Cancelled:
		slog.Info("上传已取消", "id", p.ID, "dest", p.DestinationPath, "bytes", p.BytesTransferred)
	default:
		slog.Error("上传失败", "id", p.ID, "dest", p.DestinationPath, "err", err)
	}
}

func (q *Queue) checkpoint(t *task) {
	if q.opts.Store == nil {
		return
	}
	if err := q.opts.Store.PutUpload(t.record()); err != nil {
		slog.Warn("保存上传断点失败", "id", t.p.ID, "err", err)
	}
}

func (q *Queue) deleteCheckpoint(id string) {
	if q.opts.Store == nil {
		return
	}
	if err := q.opts.Store.DeleteUpload(id); err != nil {
		slog.Warn("删除上传断点失败", "id", id, "err", err)
	}
}

// chunkCount ceil(total / chunkSize)
func chunkCount(total, chunkSize int64) int {
	if total <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((total + chunkSize - 1) / chunkSize)
}
