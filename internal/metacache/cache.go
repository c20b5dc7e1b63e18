// Package metacache 按目录缓存远端列表结果
package metacache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cloudsync/internal/fs"
	"cloudsync/internal/metrics"
	"cloudsync/pkg/retry"
)

// Lister 拉取目录列表的远端能力 (fs.RemoteFileClient 的子集)
type Lister interface {
	ListDirectory(ctx context.Context, dir string) ([]fs.FileItem, error)
}

// Options 缓存参数
type Options struct {
	// TTL 新鲜期，0 表示直到显式失效前一直有效
	TTL time.Duration
	// Retry 拉取失败时的重试策略
	Retry retry.Config
	// Now 可选，测试时注入时钟
	Now func() time.Time
}

// Entry 一个目录的缓存快照
type Entry struct {
	Path      string
	Items     []fs.FileItem
	FetchedAt time.Time
	Stale     bool
}

type entry struct {
	items     []fs.FileItem
	fetchedAt time.Time
	patched   bool // 有乐观修改，等待下一次权威刷新
}

// flight 一次进行中的拉取
// 拉取期间如果对应目录被失效，结果仍交给等待者，但不写入缓存
type flight struct {
	invalidated bool
}

// Cache LocalMetadataCache 实现
type Cache struct {
	lister Lister
	opts   Options
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	flights map[string]*flight
}

// New 创建目录缓存
func New(lister Lister, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Cache{
		lister:  lister,
		opts:    opts,
		entries: make(map[string]*entry),
		flights: make(map[string]*flight),
	}
}

// LoadIfNeeded 返回新鲜的缓存，否则拉取、写入并返回
// 命中时不会返回错误，未命中时透传远端错误
func (c *Cache) LoadIfNeeded(ctx context.Context, dir string) ([]fs.FileItem, error) {
	return c.load(ctx, fs.CleanPath(dir), false)
}

// LoadAllowStale 与 LoadIfNeeded 相同，但允许返回已过期或被乐观修改的条目
func (c *Cache) LoadAllowStale(ctx context.Context, dir string) ([]fs.FileItem, error) {
	return c.load(ctx, fs.CleanPath(dir), true)
}

func (c *Cache) load(ctx context.Context, dir string, allowStale bool) ([]fs.FileItem, error) {
	c.mu.Lock()
	if e, ok := c.entries[dir]; ok {
		switch {
		case !valid(dir, e.items):
			// 条目损坏: 静默淘汰并重新拉取
			delete(c.entries, dir)
			metrics.RecordListingLookup("corrupt")
			slog.Warn("目录缓存损坏，已淘汰", "dir", dir)
		case allowStale || !c.isStale(e):
			items := cloneItems(e.items)
			c.mu.Unlock()
			metrics.RecordListingLookup("hit")
			return items, nil
		default:
			metrics.RecordListingLookup("stale")
		}
	} else {
		metrics.RecordListingLookup("miss")
	}
	c.mu.Unlock()

	return c.fetch(ctx, dir)
}

// Refresh 无条件重新拉取并整体替换条目 (下拉刷新)
// 失败时保留旧条目
func (c *Cache) Refresh(ctx context.Context, dir string) ([]fs.FileItem, error) {
	dir = fs.CleanPath(dir)

	c.mu.Lock()
	c.abandonFlight(dir)
	c.mu.Unlock()

	return c.fetch(ctx, dir)
}

// fetch 合并同一目录的并发拉取
func (c *Cache) fetch(ctx context.Context, dir string) ([]fs.FileItem, error) {
	ch := c.group.DoChan(dir, func() (any, error) {
		f := &flight{}
		c.mu.Lock()
		c.flights[dir] = f
		c.mu.Unlock()

		// 共享的拉取不随某一个等待者取消
		fetchCtx := context.WithoutCancel(ctx)
		items, err := retry.DoWithResult(fetchCtx, c.opts.Retry, func() ([]fs.FileItem, error) {
			items, err := c.lister.ListDirectory(fetchCtx, dir)
			return items, fs.Retryable(err)
		})
		metrics.RecordListingFetch(err)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.flights[dir] == f {
			delete(c.flights, dir)
		}
		if err != nil {
			slog.Debug("拉取目录失败", "dir", dir, "err", err)
			return nil, err
		}
		if !f.invalidated {
			c.entries[dir] = &entry{items: cloneItems(items), fetchedAt: c.opts.Now()}
		}
		return items, nil
	})

	select {
	case <-ctx.Done():
		return nil, fs.NewError(fs.CancelledByUser, "list", dir, "", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneItems(res.Val.([]fs.FileItem)), nil
	}
}

// Invalidate 删除单个目录的条目，幂等
func (c *Cache) Invalidate(dir string) {
	dir = fs.CleanPath(dir)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, dir)
	c.abandonFlight(dir)
}

// InvalidatePrefix 删除 prefix 本身及其下所有目录的条目，幂等
func (c *Cache) InvalidatePrefix(prefix string) {
	prefix = fs.CleanPath(prefix)

	c.mu.Lock()
	defer c.mu.Unlock()
	for dir := range c.entries {
		if fs.IsWithin(dir, prefix) {
			delete(c.entries, dir)
		}
	}
	for dir := range c.flights {
		if fs.IsWithin(dir, prefix) {
			c.abandonFlight(dir)
		}
	}
}

// abandonFlight 让进行中的拉取不再写入缓存，之后的请求发起新的拉取
// 调用时需持有锁
func (c *Cache) abandonFlight(dir string) {
	if f, ok := c.flights[dir]; ok {
		f.invalidated = true
		delete(c.flights, dir)
	}
	c.group.Forget(dir)
}

// PatchItem 对缓存中的单个条目做乐观修改，并把整个目录标记为过期
// 普通加载会重新拉取 (以服务端为准)，LoadAllowStale 在刷新前返回乐观结果
// 目录未缓存或条目不存在时返回 false
func (c *Cache) PatchItem(dir, itemPath string, mutate func(*fs.FileItem)) bool {
	dir = fs.CleanPath(dir)
	itemPath = fs.CleanPath(itemPath)

	c.mu.Lock()
	defer c.mu.Unlock()
	// 修改之前发起的拉取可能带回旧数据，不能写入缓存
	c.abandonFlight(dir)
	e, ok := c.entries[dir]
	if !ok {
		return false
	}
	for i := range e.items {
		if e.items[i].Path == itemPath {
			mutate(&e.items[i])
			e.items[i].Path = itemPath
			e.patched = true
			return true
		}
	}
	return false
}

// Peek 只读查看缓存，不触发拉取
func (c *Cache) Peek(dir string) (Entry, bool) {
	dir = fs.CleanPath(dir)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[dir]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Path:      dir,
		Items:     cloneItems(e.items),
		FetchedAt: e.fetchedAt,
		Stale:     c.isStale(e),
	}, true
}

// Len 当前缓存的目录数
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) isStale(e *entry) bool {
	if e.patched {
		return true
	}
	return c.opts.TTL > 0 && c.opts.Now().Sub(e.fetchedAt) >= c.opts.TTL
}

// valid 条目中的每一项都必须是 dir 的直接子项且路径不重复
func valid(dir string, items []fs.FileItem) bool {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.Path == "" || fs.Parent(it.Path) != dir || it.Path == dir {
			return false
		}
		if _, dup := seen[it.Path]; dup {
			return false
		}
		seen[it.Path] = struct{}{}
	}
	return true
}

func cloneItems(items []fs.FileItem) []fs.FileItem {
	out := make([]fs.FileItem, len(items))
	copy(out, items)
	return out
}
