package upload

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cloudsync/internal/database"
	"cloudsync/internal/fs"
)

// updatesBuffer 进度通道的缓冲，消费者跟不上时丢弃最旧的进度
const updatesBuffer = 32

// Progress 任务的一份只读快照
type Progress struct {
	ID              string
	SourceRef       string
	DestinationPath string

	Status           Status
	TotalBytes       int64
	BytesTransferred int64
	SpeedBytesPerSec float64

	SessionID      string
	ChunkSize      int64
	NextChunkIndex int

	// 失败时面向用户的错误消息，Err 为原始错误
	ErrorMessage string
	Err          error

	// 完成后服务端返回的文件信息
	Result *fs.FileItem

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fraction 进度百分比 (0-1)
func (p Progress) Fraction() float64 {
	if p.TotalBytes <= 0 {
		if p.Status == Completed {
			return 1
		}
		return 0
	}
	return float64(p.BytesTransferred) / float64(p.TotalBytes)
}

type activeKey struct {
	source string
	dest   string
}

type task struct {
	key       activeKey
	src       fs.Source
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	// cancelled 用户取消的协作标志，每个分片发送前与确认后检查
	cancelled atomic.Bool

	mu      sync.Mutex
	p       Progress
	speed   *speedMeter
	updates chan Progress
	done    chan struct{}
}

func (t *task) closeSource() {
	t.closeOnce.Do(func() {
		if err := t.src.Close(); err != nil {
			slog.Debug("关闭上传源失败", "id", t.p.ID, "err", err)
		}
	})
}

func (t *task) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p
}

// publishLocked 非阻塞推送，通道满时丢弃最旧的一条
func (t *task) publishLocked() {
	p := t.p
	for {
		select {
		case t.updates <- p:
			return
		default:
		}
		select {
		case <-t.updates:
		default:
		}
	}
}

// start Pending → Uploading，已被取消时返回 false
func (t *task) start(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() || t.p.Status != Pending {
		return false
	}
	t.p.Status = Uploading
	t.p.UpdatedAt = now
	t.speed.Reset(now, t.p.BytesTransferred)
	t.publishLocked()
	return true
}

func (t *task) setSession(s fs.UploadSession, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.SessionID = s.SessionID
	t.p.ChunkSize = s.ChunkSize
	t.p.NextChunkIndex = 0
	t.p.BytesTransferred = 0
	t.p.UpdatedAt = now
	t.speed.Reset(now, 0)
}

// advance 记录分片 index 已确认，进度只增不减
// 取消标志已设置时不再推进，返回 false
func (t *task) advance(index int, end int64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() || t.p.Status != Uploading {
		return false
	}
	if end > t.p.BytesTransferred {
		t.p.BytesTransferred = end
	}
	if index+1 > t.p.NextChunkIndex {
		t.p.NextChunkIndex = index + 1
	}
	t.p.UpdatedAt = now
	t.p.SpeedBytesPerSec = t.speed.Add(now, t.p.BytesTransferred)
	t.publishLocked()
	return true
}

// merge Uploading → Merging，之后不能再取消
func (t *task) merge(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() || t.p.Status != Uploading {
		return false
	}
	t.p.Status = Merging
	t.p.UpdatedAt = now
	t.publishLocked()
	return true
}

// requestCancel 设置取消标志，只对 Pending/Uploading 有效
func (t *task) requestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.p.Status.Cancellable() {
		return false
	}
	t.cancelled.Store(true)
	return true
}

// terminate 进入终态并关闭通道，重复调用无效
func (t *task) terminate(status Status, err error, result *fs.FileItem, now time.Time) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p.Status.Terminal() {
		return t.p, false
	}
	t.p.Status = status
	t.p.Err = err
	if err != nil {
		t.p.ErrorMessage = fs.Message(err)
	}
	t.p.Result = result
	t.p.SpeedBytesPerSec = 0
	t.p.UpdatedAt = now
	t.publishLocked()
	close(t.updates)
	close(t.done)
	return t.p, true
}

func (t *task) record() *database.UploadRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &database.UploadRecord{
		ID:               t.p.ID,
		SourceRef:        t.p.SourceRef,
		DestinationPath:  t.p.DestinationPath,
		TotalBytes:       t.p.TotalBytes,
		BytesTransferred: t.p.BytesTransferred,
		Status:           t.p.Status.String(),
		SessionID:        t.p.SessionID,
		ChunkSize:        t.p.ChunkSize,
		NextChunkIndex:   t.p.NextChunkIndex,
		ErrorMessage:     t.p.ErrorMessage,
	}
}

// Handle 调用方持有的任务句柄
type Handle struct {
	t *task
}

// ID 任务 ID
func (h *Handle) ID() string {
	return h.t.p.ID
}

// Snapshot 当前进度
func (h *Handle) Snapshot() Progress {
	return h.t.snapshot()
}

// Updates 进度与状态变化的通道，推送终态后关闭
// 同一任务的多个句柄共享同一个通道
func (h *Handle) Updates() <-chan Progress {
	return h.t.updates
}

// Done 任务进入终态后关闭
func (h *Handle) Done() <-chan struct{} {
	return h.t.done
}

// Wait 等待任务进入终态并返回最终快照
func (h *Handle) Wait(ctx context.Context) (Progress, error) {
	select {
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	case <-h.t.done:
		return h.Snapshot(), nil
	}
}
