package remote

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudsync/internal/fs"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&Options{BaseURL: srv.URL + "/", AccessToken: "tok", UserAgent: "test-agent"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestListDirectoryPaginates(t *testing.T) {
	var pages []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/file", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "/docs", r.URL.Query().Get("dir"))

		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		pages = append(pages, r.URL.Query().Get("start"))

		n := listPageSize
		if start > 0 {
			n = 2
		}
		list := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			entry := map[string]any{
				"path":            fmt.Sprintf("/docs/f%d", start+i),
				"server_filename": fmt.Sprintf("f%d", start+i),
				"server_mtime":    1700000000,
				"size":            10,
			}
			list = append(list, entry)
		}
		if start > 0 {
			list[0]["isdir"] = 1
			list[0]["starred"] = 1
			delete(list[1], "size")
		}
		writeJSON(w, map[string]any{"errno": 0, "list": list})
	})

	items, err := c.ListDirectory(context.Background(), "docs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1000"}, pages)
	require.Len(t, items, listPageSize+2)

	dir := items[listPageSize]
	assert.True(t, dir.IsDir)
	assert.True(t, dir.IsStarred)
	assert.Equal(t, "/docs/f1000", dir.Path)
	assert.Equal(t, fs.UnknownSize, items[listPageSize+1].Size)
	assert.Equal(t, int64(10), items[0].Size)
}

func TestListDirectoryErrors(t *testing.T) {
	for _, test := range []struct {
		name    string
		handler http.HandlerFunc
		kind    fs.ErrorKind
		msg     string
	}{
		{
			name: "errno",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{"errno": -9, "errmsg": "file does not exist"})
			},
			kind: fs.ServerRejected,
			msg:  "file does not exist",
		},
		{
			name: "frequency control",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{"errno": errnoFrequencyControl, "errmsg": "hit frequency control"})
			},
			kind: fs.TransientNetworkError,
		},
		{
			name: "5xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusBadGateway)
			},
			kind: fs.TransientNetworkError,
		},
		{
			name: "4xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				writeJSON(w, map[string]any{"errno": 6, "errmsg": "no permission"})
			},
			kind: fs.ServerRejected,
			msg:  "no permission",
		},
		{
			name: "truncated body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"errno":0,"list":[`)
			},
			kind: fs.TransientNetworkError,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := newTestClient(t, test.handler)
			_, err := c.ListDirectory(context.Background(), "/x")
			require.Error(t, err)
			assert.Equal(t, test.kind, fs.KindOf(err))
			if test.msg != "" {
				assert.Equal(t, test.msg, fs.Message(err))
			}
		})
	}
}

func TestCancelledRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"errno": 0})
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListDirectory(ctx, "/")
	assert.Equal(t, fs.CancelledByUser, fs.KindOf(err))
}

func TestUploadFlow(t *testing.T) {
	var chunks [][]byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case r.URL.Path == "/file" && q.Get("method") == "precreate":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "/apps/a.bin", r.PostForm.Get("path"))
			assert.Equal(t, "a.bin", r.PostForm.Get("name"))
			assert.Equal(t, "7", r.PostForm.Get("size"))
			writeJSON(w, map[string]any{"errno": 0, "uploadid": "up-1", "block_size": 4})
		case r.URL.Path == "/superfile2":
			assert.Equal(t, "up-1", q.Get("uploadid"))
			assert.Equal(t, strconv.Itoa(len(chunks)), q.Get("partseq"))
			f, _, err := r.FormFile("file")
			require.NoError(t, err)
			data, err := io.ReadAll(f)
			require.NoError(t, err)
			chunks = append(chunks, data)
			sum := md5.Sum(data)
			writeJSON(w, map[string]any{"errno": 0, "md5": hex.EncodeToString(sum[:])})
		case r.URL.Path == "/file" && q.Get("method") == "create":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "up-1", r.PostForm.Get("uploadid"))
			writeJSON(w, map[string]any{"errno": 0, "path": "/apps/a.bin", "size": 7, "isdir": 0, "server_mtime": 1700000000})
		default:
			t.Errorf("unexpected request %s", r.URL)
		}
	})
	ctx := context.Background()

	sess, err := c.InitUploadSession(ctx, "a.bin", "/apps/a.bin", 7)
	require.NoError(t, err)
	assert.Equal(t, fs.UploadSession{SessionID: "up-1", ChunkSize: 4}, sess)

	ack, err := c.UploadChunk(ctx, sess.SessionID, 0, []byte("abcd"))
	require.NoError(t, err)
	sum := md5.Sum([]byte("abcd"))
	assert.Equal(t, hex.EncodeToString(sum[:]), ack.MD5)
	_, err = c.UploadChunk(ctx, sess.SessionID, 1, []byte("efg"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("abcd"), []byte("efg")}, chunks)

	item, err := c.CompleteUpload(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "/apps/a.bin", item.Path)
	assert.Equal(t, "a.bin", item.Name)
	assert.Equal(t, int64(7), item.Size)
}

func TestInitUploadSessionDefaultBlockSize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"errno": 0, "uploadid": "u"})
	})
	sess, err := c.InitUploadSession(context.Background(), "a", "/a", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultBlockSize), sess.ChunkSize)
}

func TestDownloadBlob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("path") != "/pics/a.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "jpeg-bytes")
	})

	rc, err := c.DownloadBlob(context.Background(), "/pics/a.jpg")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	_, err = c.DownloadBlob(context.Background(), "/pics/missing.jpg")
	assert.Equal(t, fs.ServerRejected, fs.KindOf(err))
}

func TestMutateBatchPartialFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "move", r.URL.Query().Get("opera"))

		var list []managerItem
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("filelist")), &list))
		require.Len(t, list, 2)
		assert.Equal(t, managerItem{Path: "/a/x", Dest: "/b", NewName: "x"}, list[0])

		writeJSON(w, map[string]any{
			"errno": 12,
			"info": []map[string]any{
				{"path": "/a/x", "errno": 0},
				{"path": "/a/y", "errno": -9, "errmsg": "not found"},
			},
		})
	})

	acks, err := c.MutateBatch(context.Background(), fs.OpMove, []string{"/a/x", "a/y"}, fs.MutationExtra{DestDir: "/b"})
	require.NoError(t, err)
	require.Len(t, acks, 2)
	assert.NoError(t, acks[0].Err)
	assert.Equal(t, "/a/y", acks[1].Path)
	assert.Equal(t, fs.ServerRejected, fs.KindOf(acks[1].Err))
	assert.Equal(t, "not found", fs.Message(acks[1].Err))
}

func TestMutateBatchStar(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "star", r.URL.Query().Get("opera"))
		assert.Equal(t, "true", r.PostForm.Get("starred"))
		assert.JSONEq(t, `["/a"]`, r.PostForm.Get("filelist"))
		writeJSON(w, map[string]any{"errno": 0})
	})
	acks, err := c.MutateBatch(context.Background(), fs.OpSetStarred, []string{"/a"}, fs.MutationExtra{Starred: true})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.NoError(t, acks[0].Err)
}

func TestMutateBatchWholeFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"errno": 2, "errmsg": "invalid param"})
	})
	_, err := c.MutateBatch(context.Background(), fs.OpDelete, []string{"/a"}, fs.MutationExtra{})
	assert.Equal(t, fs.ServerRejected, fs.KindOf(err))

	_, err = c.MutateBatch(context.Background(), fs.OpCopy, []string{"/a"}, fs.MutationExtra{})
	assert.Equal(t, fs.ServerRejected, fs.KindOf(err))
}
