// Package preview 预览图与原图的磁盘缓存
// 按远端路径索引，总大小超过上限时按最近访问时间淘汰
package preview

import (
	"bytes"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cloudsync/internal/database"
	"cloudsync/internal/fs"
	"cloudsync/internal/metrics"
	"cloudsync/pkg/retry"
)

const tempPrefix = ".tmp-"

// ErrInvalidated 下载期间该路径被失效 (删除、移动)，结果不写入缓存
var ErrInvalidated = errors.New("预览在下载期间已失效")

// Store 预览索引的持久化 (database.DB 实现)
type Store interface {
	PutPreview(rec *database.PreviewRecord) error
	DeletePreview(key string) error
	ListPreviews() ([]*database.PreviewRecord, []string, error)
}

// Downloader 下载 blob 的远端能力
type Downloader interface {
	DownloadBlob(ctx context.Context, path string) (io.ReadCloser, error)
}

// Options 预览缓存参数
type Options struct {
	Dir string
	// MaxBytes 缓存总大小上限，<= 0 表示不限制
	MaxBytes int64
	// Store 可选，nil 时索引只保存在内存中
	Store      Store
	Downloader Downloader
	Retry      retry.Config
	Now        func() time.Time
}

// Stats 缓存统计
type Stats struct {
	Entries  int
	Bytes    int64
	MaxBytes int64
}

type record struct {
	key          string
	blob         string
	size         int64
	lastAccessed time.Time
}

func (r *record) toDB() *database.PreviewRecord {
	return &database.PreviewRecord{
		Key:            r.key,
		BlobRef:        r.blob,
		ByteSize:       r.size,
		LastAccessedAt: r.lastAccessed.UnixNano(),
	}
}

// Manager PreviewCacheManager 实现
type Manager struct {
	opts Options
	dir  string
	keys *keyLock

	// mu 保护索引、磁盘上的 blob 以及持久化记录
	mu    sync.Mutex
	lru   *list.List // Front 为最近访问
	index map[string]*list.Element
	total int64
	// downloads 进行中的下载，失效操作会把命中的下载标记为过期
	downloads map[*download]struct{}
}

// download 一次进行中的下载
type download struct {
	key   string
	stale bool
}

// New 创建预览缓存，并从 Store 恢复上次的索引
func New(opts Options) (*Manager, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("解析缓存目录失败: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}

	m := &Manager{
		opts:  opts,
		dir:   dir,
		keys:  newKeyLock(),
		lru:   list.New(),
		index: make(map[string]*list.Element),

		downloads: make(map[*download]struct{}),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load 恢复索引，丢弃 blob 缺失或大小不符的记录，清理未被引用的文件
func (m *Manager) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.Store != nil {
		records, corrupt, err := m.opts.Store.ListPreviews()
		if err != nil {
			return fmt.Errorf("读取预览索引失败: %w", err)
		}
		for _, key := range corrupt {
			slog.Warn("预览索引记录损坏，已删除", "key", key)
			m.deleteRecord(key)
		}

		sort.Slice(records, func(i, j int) bool {
			return records[i].LastAccessedAt < records[j].LastAccessedAt
		})
		for _, rec := range records {
			blob := m.blobPath(rec.Key)
			info, err := os.Stat(blob)
			if err != nil || info.Size() != rec.ByteSize || rec.Key != fs.CleanPath(rec.Key) {
				slog.Warn("预览 blob 缺失或大小不符，丢弃记录", "key", rec.Key)
				m.deleteRecord(rec.Key)
				continue
			}
			r := &record{key: rec.Key, blob: blob, size: rec.ByteSize, lastAccessed: rec.LastAccessedTime()}
			m.index[rec.Key] = m.lru.PushFront(r)
			m.total += r.size
		}
	}

	m.sweepLocked()
	m.evictLocked()
	metrics.SetPreviewBytes(m.total)
	slog.Debug("预览缓存已加载", "dir", m.dir, "entries", len(m.index), "bytes", m.total)
	return nil
}

// sweepLocked 删除目录中未被索引引用的文件 (残留的临时文件、孤儿 blob)
func (m *Manager) sweepLocked() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		slog.Warn("扫描预览缓存目录失败", "dir", m.dir, "err", err)
		return
	}
	referenced := make(map[string]struct{}, len(m.index))
	for _, el := range m.index {
		referenced[filepath.Base(el.Value.(*record).blob)] = struct{}{}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := referenced[e.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, e.Name())); err == nil {
			slog.Debug("清理孤儿文件", "name", e.Name())
		}
	}
}

// GetCachedURL 返回 blob 的 file:// URL，并刷新最近访问时间
// blob 已经不在磁盘上时静默淘汰该记录并按未命中处理
func (m *Manager) GetCachedURL(path string) (string, bool) {
	key := fs.CleanPath(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[key]
	if !ok {
		metrics.RecordPreviewLookup(false)
		return "", false
	}
	r := el.Value.(*record)
	if _, err := os.Stat(r.blob); err != nil {
		slog.Warn("预览 blob 丢失，已淘汰", "key", key, "err", err)
		m.removeLocked(el)
		metrics.SetPreviewBytes(m.total)
		metrics.RecordPreviewLookup(false)
		return "", false
	}

	r.lastAccessed = m.opts.Now()
	m.lru.MoveToFront(el)
	m.putRecord(r)
	metrics.RecordPreviewLookup(true)
	return fileURL(r.blob), true
}

// Cache 将 blob 写入磁盘并记录索引，必要时触发淘汰
// 尽力而为: 任何失败都只记录日志，不影响调用方
// 同一个 key 的并发写入会排队执行
func (m *Manager) Cache(path string, blob io.Reader) {
	_ = m.store(fs.CleanPath(path), blob, nil)
}

// store 写入 blob，失败时记录日志并返回错误
// d 不为 nil 且下载期间已被失效时丢弃写入，返回 ErrInvalidated
func (m *Manager) store(key string, blob io.Reader, d *download) error {
	unlock := m.keys.Lock(key)
	defer unlock()

	tmp, err := os.CreateTemp(m.dir, tempPrefix+"*")
	if err != nil {
		slog.Warn("创建预览临时文件失败", "key", key, "err", err)
		return err
	}
	size, err := io.Copy(tmp, blob)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		slog.Warn("写入预览缓存失败", "key", key, "err", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d != nil && d.stale {
		os.Remove(tmp.Name())
		slog.Debug("下载期间预览已失效，丢弃", "key", key)
		return ErrInvalidated
	}

	blobPath := m.blobPath(key)
	if err := os.Rename(tmp.Name(), blobPath); err != nil {
		os.Remove(tmp.Name())
		slog.Warn("重命名预览临时文件失败", "key", key, "err", err)
		return err
	}

	if el, ok := m.index[key]; ok {
		m.total -= el.Value.(*record).size
		m.lru.Remove(el)
		delete(m.index, key)
	}
	r := &record{key: key, blob: blobPath, size: size, lastAccessed: m.opts.Now()}
	m.index[key] = m.lru.PushFront(r)
	m.total += size

	m.evictLocked()
	if _, kept := m.index[key]; kept {
		m.putRecord(r)
	}
	metrics.SetPreviewBytes(m.total)
	slog.Debug("预览已缓存", "key", key, "size", size)
	return nil
}

// Fetch 返回缓存的 URL，未命中时下载并缓存
func (m *Manager) Fetch(ctx context.Context, path string) (string, error) {
	key := fs.CleanPath(path)
	if u, ok := m.GetCachedURL(key); ok {
		return u, nil
	}
	if m.opts.Downloader == nil {
		return "", errors.New("预览缓存未配置下载器")
	}

	d := m.beginDownload(key)
	defer m.endDownload(d)

	data, err := retry.DoWithResult(ctx, m.opts.Retry, func() ([]byte, error) {
		rc, err := m.opts.Downloader.DownloadBlob(ctx, key)
		if err != nil {
			return nil, fs.Retryable(err)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return nil, fs.Retryable(fs.NewError(fs.TransientNetworkError, "download", key, "", err))
		}
		return b, nil
	})
	if err != nil {
		return "", err
	}

	if err := m.store(key, bytes.NewReader(data), d); errors.Is(err, ErrInvalidated) {
		return "", fs.NewError(fs.CacheCorruption, "preview", key, "", err)
	}
	if u, ok := m.GetCachedURL(key); ok {
		return u, nil
	}
	return "", fmt.Errorf("预览缓存写入失败: %s", key)
}

func (m *Manager) beginDownload(key string) *download {
	d := &download{key: key}
	m.mu.Lock()
	m.downloads[d] = struct{}{}
	m.mu.Unlock()
	return d
}

func (m *Manager) endDownload(d *download) {
	m.mu.Lock()
	delete(m.downloads, d)
	m.mu.Unlock()
}

// markDownloadsLocked 把 prefix 范围内进行中的下载标记为过期
func (m *Manager) markDownloadsLocked(prefix string) {
	for d := range m.downloads {
		if fs.IsWithin(d.key, prefix) {
			d.stale = true
		}
	}
}

// Invalidate 删除单个路径的缓存，幂等
func (m *Manager) Invalidate(path string) {
	key := fs.CleanPath(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	for d := range m.downloads {
		if d.key == key {
			d.stale = true
		}
	}
	if el, ok := m.index[key]; ok {
		m.removeLocked(el)
		metrics.SetPreviewBytes(m.total)
	}
}

// InvalidateDirectory 删除 prefix 本身及其下所有路径的缓存，返回删除的条数
func (m *Manager) InvalidateDirectory(prefix string) int {
	prefix = fs.CleanPath(prefix)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.markDownloadsLocked(prefix)
	n := 0
	for key, el := range m.index {
		if fs.IsWithin(key, prefix) {
			m.removeLocked(el)
			n++
		}
	}
	if n > 0 {
		metrics.SetPreviewBytes(m.total)
		slog.Debug("预览缓存按目录失效", "prefix", prefix, "count", n)
	}
	return n
}

// Clear 清空缓存
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markDownloadsLocked("/")
	for _, el := range m.index {
		m.removeLocked(el)
	}
	metrics.SetPreviewBytes(m.total)
}

// Stats 返回当前统计
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Entries: len(m.index), Bytes: m.total, MaxBytes: m.opts.MaxBytes}
}

// evictLocked 从最久未访问的一端开始淘汰，直到总大小不超过上限
func (m *Manager) evictLocked() {
	if m.opts.MaxBytes <= 0 {
		return
	}
	for m.total > m.opts.MaxBytes {
		el := m.lru.Back()
		if el == nil {
			return
		}
		r := el.Value.(*record)
		m.removeLocked(el)
		metrics.RecordPreviewEviction()
		slog.Debug("预览缓存淘汰", "key", r.key, "size", r.size)
	}
}

func (m *Manager) removeLocked(el *list.Element) {
	r := el.Value.(*record)
	m.lru.Remove(el)
	delete(m.index, r.key)
	m.total -= r.size
	if err := os.Remove(r.blob); err != nil && !os.IsNotExist(err) {
		slog.Warn("删除预览 blob 失败", "key", r.key, "err", err)
	}
	m.deleteRecord(r.key)
}

func (m *Manager) putRecord(r *record) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.PutPreview(r.toDB()); err != nil {
		slog.Warn("保存预览索引失败", "key", r.key, "err", err)
	}
}

func (m *Manager) deleteRecord(key string) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.DeletePreview(key); err != nil {
		slog.Warn("删除预览索引失败", "key", key, "err", err)
	}
}

// blobPath 文件名为远端路径的 SHA-256
func (m *Manager) blobPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:]))
}

func fileURL(p string) string {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// PathFromURL 把 GetCachedURL 返回的 URL 转回本地文件路径
func PathFromURL(u string) (string, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("不是 file URL: %s", u)
	}
	return filepath.FromSlash(parsed.Path), nil
}
