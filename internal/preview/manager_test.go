package preview

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudsync/internal/database"
	"cloudsync/internal/fs"
	"cloudsync/pkg/retry"
)

type fakeDownloader struct {
	mu    sync.Mutex
	calls int
	blobs map[string]string
	errs  []error // 依次返回，用完后正常下载

	started chan string   // 非 nil 时每次下载开始前通知
	gate    chan struct{} // 非 nil 时下载等待放行后才返回
}

func (d *fakeDownloader) DownloadBlob(ctx context.Context, path string) (io.ReadCloser, error) {
	d.mu.Lock()
	d.calls++
	started, gate := d.started, d.gate
	var err error
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	}
	blob, ok := d.blobs[path]
	d.mu.Unlock()

	if started != nil {
		started <- path
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fs.NewError(fs.ServerRejected, "download", path, "file does not exist", nil)
	}
	return io.NopCloser(strings.NewReader(blob)), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk full") }

func openDB(t *testing.T, dir string) *database.DB {
	t.Helper()
	db, err := database.NewBoltDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
	}
	m, err := New(opts)
	require.NoError(t, err)
	return m
}

func readURL(t *testing.T, u string) string {
	t.Helper()
	p, err := PathFromURL(u)
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

func TestCacheAndGet(t *testing.T) {
	m := newManager(t, Options{})

	_, ok := m.GetCachedURL("/photos/a.jpg")
	assert.False(t, ok)

	m.Cache("/photos/a.jpg", strings.NewReader("jpeg-bytes"))
	u, ok := m.GetCachedURL("photos/a.jpg")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(u, "file://"))
	assert.Equal(t, "jpeg-bytes", readURL(t, u))

	st := m.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(10), st.Bytes)
}

func TestCacheOverwriteReplacesSize(t *testing.T) {
	m := newManager(t, Options{})
	m.Cache("/a", strings.NewReader("12345"))
	m.Cache("/a", strings.NewReader("12"))

	st := m.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(2), st.Bytes)
	u, ok := m.GetCachedURL("/a")
	require.True(t, ok)
	assert.Equal(t, "12", readURL(t, u))
}

func TestLRUEviction(t *testing.T) {
	now := time.Unix(100, 0)
	m := newManager(t, Options{MaxBytes: 10, Now: func() time.Time {
		now = now.Add(time.Second)
		return now
	}})

	m.Cache("/a", strings.NewReader("aaaa"))
	m.Cache("/b", strings.NewReader("bbbb"))
	_, ok := m.GetCachedURL("/a") // a 变为最近访问
	require.True(t, ok)
	m.Cache("/c", strings.NewReader("cccc"))

	_, ok = m.GetCachedURL("/b")
	assert.False(t, ok, "least recently accessed entry is evicted")
	_, ok = m.GetCachedURL("/a")
	assert.True(t, ok)
	_, ok = m.GetCachedURL("/c")
	assert.True(t, ok)
	assert.Equal(t, int64(8), m.Stats().Bytes)
}

func TestOversizedBlobIsNotKept(t *testing.T) {
	m := newManager(t, Options{MaxBytes: 3})
	m.Cache("/big", strings.NewReader("too large"))

	_, ok := m.GetCachedURL("/big")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Stats().Entries)
}

func TestInvalidateDirectoryScope(t *testing.T) {
	m := newManager(t, Options{})
	for _, p := range []string{"/d", "/d/x.jpg", "/d/sub/y.jpg", "/dx/z.jpg", "/other.jpg"} {
		m.Cache(p, strings.NewReader("x"))
	}

	assert.Equal(t, 3, m.InvalidateDirectory("/d"))
	assert.Equal(t, 0, m.InvalidateDirectory("/d"))

	for _, p := range []string{"/d", "/d/x.jpg", "/d/sub/y.jpg"} {
		_, ok := m.GetCachedURL(p)
		assert.False(t, ok, p)
	}
	for _, p := range []string{"/dx/z.jpg", "/other.jpg"} {
		_, ok := m.GetCachedURL(p)
		assert.True(t, ok, p)
	}

	m.Invalidate("/other.jpg")
	m.Invalidate("/other.jpg")
	assert.Equal(t, 1, m.Stats().Entries)
}

func TestMissingBlobIsEvictedOnHit(t *testing.T) {
	m := newManager(t, Options{})
	m.Cache("/a", strings.NewReader("data"))
	u, ok := m.GetCachedURL("/a")
	require.True(t, ok)

	p, err := PathFromURL(u)
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))

	_, ok = m.GetCachedURL("/a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Stats().Entries)
	assert.Equal(t, int64(0), m.Stats().Bytes)
}

func TestCacheFailureIsSilent(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, Options{Dir: dir})

	m.Cache("/a", failingReader{})

	_, ok := m.GetCachedURL("/a")
	assert.False(t, ok)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file is removed")
}

func TestConcurrentCacheOfSameKey(t *testing.T) {
	m := newManager(t, Options{})
	payloads := []string{
		strings.Repeat("a", 4096),
		strings.Repeat("b", 4096),
		strings.Repeat("c", 4096),
		strings.Repeat("d", 4096),
	}

	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			m.Cache("/same", bytes.NewReader([]byte(p)))
		}(p)
	}
	wg.Wait()

	u, ok := m.GetCachedURL("/same")
	require.True(t, ok)
	assert.Contains(t, payloads, readURL(t, u), "content is one complete write")
	assert.Equal(t, 1, m.Stats().Entries)
	assert.Equal(t, int64(4096), m.Stats().Bytes)
}

func TestIndexSurvivesRestart(t *testing.T) {
	base := t.TempDir()
	db := openDB(t, base)
	dir := filepath.Join(base, "preview")

	m := newManager(t, Options{Dir: dir, Store: db})
	m.Cache("/keep.jpg", strings.NewReader("keep"))
	m.Cache("/lost.jpg", strings.NewReader("lost"))
	u, ok := m.GetCachedURL("/lost.jpg")
	require.True(t, ok)
	lost, err := PathFromURL(u)
	require.NoError(t, err)
	require.NoError(t, os.Remove(lost))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tempPrefix+"leftover"), []byte("x"), 0644))

	reopened := newManager(t, Options{Dir: dir, Store: db})
	u, ok = reopened.GetCachedURL("/keep.jpg")
	require.True(t, ok)
	assert.Equal(t, "keep", readURL(t, u))
	_, ok = reopened.GetCachedURL("/lost.jpg")
	assert.False(t, ok)

	records, _, err := db.ListPreviews()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/keep.jpg", records[0].Key)

	_, err = os.Stat(filepath.Join(dir, tempPrefix+"leftover"))
	assert.True(t, os.IsNotExist(err))
}

func TestFetchDownloadsOnce(t *testing.T) {
	d := &fakeDownloader{
		blobs: map[string]string{"/a.jpg": "image"},
		errs:  []error{errors.New("connection reset")},
	}
	m := newManager(t, Options{Downloader: d})
	ctx := context.Background()

	u, err := m.Fetch(ctx, "/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image", readURL(t, u))

	_, err = m.Fetch(ctx, "/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 2, d.calls, "one transient retry, then served from cache")
}

func TestFetchSurfacesRejection(t *testing.T) {
	d := &fakeDownloader{blobs: map[string]string{}}
	m := newManager(t, Options{Downloader: d})

	_, err := m.Fetch(context.Background(), "/missing.jpg")
	require.Error(t, err)
	assert.Equal(t, fs.ServerRejected, fs.KindOf(err))
	assert.Equal(t, 1, d.calls)
}

func TestInvalidateDuringDownloadDropsResult(t *testing.T) {
	dir := t.TempDir()
	gate := make(chan struct{})
	d := &fakeDownloader{
		blobs:   map[string]string{"/docs/a.jpg": "old", "/other/b.jpg": "b"},
		started: make(chan string, 4),
		gate:    gate,
	}
	m := newManager(t, Options{Dir: dir, Downloader: d})

	type result struct {
		url string
		err error
	}
	done := make(chan result)
	go func() {
		u, err := m.Fetch(context.Background(), "/docs/a.jpg")
		done <- result{u, err}
	}()
	go func() {
		u, err := m.Fetch(context.Background(), "/other/b.jpg")
		done <- result{u, err}
	}()
	<-d.started
	<-d.started

	assert.Equal(t, 0, m.InvalidateDirectory("/docs"))
	close(gate)

	var failed, ok int
	for range 2 {
		r := <-done
		if r.err != nil {
			failed++
			assert.ErrorIs(t, r.err, ErrInvalidated)
			assert.Equal(t, fs.CacheCorruption, fs.KindOf(r.err))
		} else {
			ok++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, ok)

	_, cached := m.GetCachedURL("/docs/a.jpg")
	assert.False(t, cached, "a download that raced with invalidation must not repopulate the cache")
	_, cached = m.GetCachedURL("/other/b.jpg")
	assert.True(t, cached, "downloads outside the prefix are unaffected")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), tempPrefix), "temp file left behind: %s", e.Name())
	}

	// 之后重新发起的下载正常写入
	u, err := m.Fetch(context.Background(), "/docs/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "old", readURL(t, u))
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, Options{Dir: dir})
	m.Cache("/a", strings.NewReader("1"))
	m.Cache("/b", strings.NewReader("2"))

	m.Clear()
	assert.Equal(t, Stats{}, m.Stats())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
