package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cloudsync/internal/fs"
)

const (
	// DefaultBlockSize 服务端未指定分片大小时使用 (4MB)
	DefaultBlockSize = 4 * 1024 * 1024

	// listPageSize 目录分页大小
	listPageSize = 1000

	// errnoFrequencyControl 服务端限频，视为可重试
	errnoFrequencyControl = 31034
)

// Options 初始化参数
type Options struct {
	BaseURL           string // 例如 https://pan.baidu.com/rest/2.0/xpan
	UploadURL         string // 分片上传地址，为空时使用 BaseURL
	AccessToken       string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64 // <= 0 表示不限速

	// HTTPClient 可选，测试时注入
	HTTPClient *http.Client
}

// Client 远端存储 HTTP 客户端，实现 fs.RemoteFileClient
type Client struct {
	opts       *Options
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ fs.RemoteFileClient = (*Client)(nil)

// NewClient 创建客户端
func NewClient(opts *Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = "pan.baidu.com" // 防止被屏蔽
	}
	if opts.UploadURL == "" {
		opts.UploadURL = opts.BaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.UploadURL = strings.TrimRight(opts.UploadURL, "/")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &Client{opts: opts, httpClient: httpClient, limiter: limiter}
}

func (c *Client) fileURL() string {
	return c.opts.BaseURL + "/file"
}

func (c *Client) superfileURL() string {
	return c.opts.UploadURL + "/superfile2"
}

// ListDirectory 列出目录下的直接子项，自动翻页
func (c *Client) ListDirectory(ctx context.Context, dir string) ([]fs.FileItem, error) {
	dir = fs.CleanPath(dir)
	items := make([]fs.FileItem, 0)

	for start := 0; ; start += listPageSize {
		params := url.Values{}
		params.Set("method", "list")
		params.Set("dir", dir)
		params.Set("start", strconv.Itoa(start))
		params.Set("limit", strconv.Itoa(listPageSize))

		var resp ListResponse
		if err := c.call(ctx, "list", dir, http.MethodGet, c.fileURL(), params, nil, "", &resp); err != nil {
			return nil, err
		}
		if !resp.IsSuccess() {
			return nil, apiError("list", dir, resp.ErrNo, resp.Msg)
		}

		for i := range resp.List {
			items = append(items, resp.List[i].toItem())
		}
		if len(resp.List) < listPageSize {
			break
		}
	}
	return items, nil
}

// InitUploadSession 预上传 (precreate)，由服务端决定分片大小
func (c *Client) InitUploadSession(ctx context.Context, fileName, destinationPath string, totalBytes int64) (fs.UploadSession, error) {
	destinationPath = fs.CleanPath(destinationPath)

	params := url.Values{}
	params.Set("method", "precreate")

	data := url.Values{}
	data.Set("path", destinationPath)
	data.Set("name", fileName)
	data.Set("size", strconv.FormatInt(totalBytes, 10))
	data.Set("isdir", "0")
	data.Set("autoinit", "1")
	data.Set("rtype", "3") // 3=覆盖

	var resp PrecreateResponse
	err := c.call(ctx, "precreate", destinationPath, http.MethodPost, c.fileURL(), params,
		strings.NewReader(data.Encode()), "application/x-www-form-urlencoded", &resp)
	if err != nil {
		return fs.UploadSession{}, err
	}
	if !resp.IsSuccess() {
		return fs.UploadSession{}, apiError("precreate", destinationPath, resp.ErrNo, resp.Msg)
	}
	if resp.UploadID == "" {
		return fs.UploadSession{}, fs.NewError(fs.ServerRejected, "precreate", destinationPath, "服务端未返回 uploadid", nil)
	}

	chunkSize := resp.BlockSize
	if chunkSize <= 0 {
		chunkSize = DefaultBlockSize
	}
	return fs.UploadSession{SessionID: resp.UploadID, ChunkSize: chunkSize}, nil
}

// UploadChunk 上传单个分片 (superfile2)
func (c *Client) UploadChunk(ctx context.Context, sessionID string, index int, data []byte) (fs.ChunkAck, error) {
	params := url.Values{}
	params.Set("method", "upload")
	params.Set("type", "tmpfile")
	params.Set("uploadid", sessionID)
	params.Set("partseq", strconv.Itoa(index))

	// 使用 bytes.Buffer 构造 Multipart Body
	// 必须这样做，因为服务端要求 Content-Length，而 io.Pipe 产生的是 Chunked 传输
	bodyBuf := &bytes.Buffer{}
	writer := multipart.NewWriter(bodyBuf)
	part, err := writer.CreateFormFile("file", "blob")
	if err != nil {
		return fs.ChunkAck{}, err
	}
	if _, err := part.Write(data); err != nil {
		return fs.ChunkAck{}, err
	}
	if err := writer.Close(); err != nil {
		return fs.ChunkAck{}, err
	}

	var resp UploadSliceResponse
	err = c.call(ctx, "upload_chunk", sessionID, http.MethodPost, c.superfileURL(), params,
		bodyBuf, writer.FormDataContentType(), &resp)
	if err != nil {
		return fs.ChunkAck{}, err
	}
	if resp.ErrNo != 0 {
		return fs.ChunkAck{}, apiError("upload_chunk", sessionID, resp.ErrNo, resp.Msg)
	}

	// 返回云端计算的分片 MD5
	return fs.ChunkAck{Index: index, MD5: resp.MD5}, nil
}

// CompleteUpload 合并分片文件 (create)
func (c *Client) CompleteUpload(ctx context.Context, sessionID string) (fs.FileItem, error) {
	params := url.Values{}
	params.Set("method", "create")

	data := url.Values{}
	data.Set("uploadid", sessionID)
	data.Set("isdir", "0")
	data.Set("rtype", "3")

	var resp CreateFileResponse
	err := c.call(ctx, "create", sessionID, http.MethodPost, c.fileURL(), params,
		strings.NewReader(data.Encode()), "application/x-www-form-urlencoded", &resp)
	if err != nil {
		return fs.FileItem{}, err
	}
	if !resp.IsSuccess() {
		return fs.FileItem{}, apiError("create", sessionID, resp.ErrNo, resp.Msg)
	}
	return resp.FileInfo.toItem(), nil
}

// DownloadBlob 下载文件流，调用者负责 Close
func (c *Client) DownloadBlob(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	remotePath = fs.CleanPath(remotePath)

	params := url.Values{}
	params.Set("method", "download")
	params.Set("path", remotePath)

	resp, err := c.send(ctx, "download", remotePath, http.MethodGet, c.fileURL(), params, nil, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// MutateBatch 批量移动/复制/删除/收藏 (filemanager)
// 服务端整体失败时返回 error，否则逐个路径返回结果
func (c *Client) MutateBatch(ctx context.Context, op fs.BatchOp, paths []string, extra fs.MutationExtra) ([]fs.MutationAck, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	cleaned := make([]string, len(paths))
	for i, p := range paths {
		cleaned[i] = fs.CleanPath(p)
	}

	// 构造 filelist，格式与操作类型相关
	var fileList any
	switch op {
	case fs.OpMove, fs.OpCopy:
		if extra.DestDir == "" {
			return nil, fs.NewError(fs.ServerRejected, string(op), "", "缺少目标目录", nil)
		}
		list := make([]managerItem, len(cleaned))
		for i, p := range cleaned {
			name := extra.NewName
			if name == "" {
				name = fs.Base(p)
			}
			list[i] = managerItem{Path: p, Dest: fs.CleanPath(extra.DestDir), NewName: name}
		}
		fileList = list
	case fs.OpDelete, fs.OpSetStarred:
		fileList = cleaned
	default:
		return nil, fs.NewError(fs.ServerRejected, string(op), "", "未知的批量操作", nil)
	}

	fileListJSON, err := json.Marshal(fileList)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file list to JSON: %w", err)
	}

	params := url.Values{}
	params.Set("method", "filemanager")
	params.Set("opera", string(op))

	data := url.Values{}
	data.Set("async", "0") // 同步执行以获取逐项结果
	data.Set("filelist", string(fileListJSON))
	if op == fs.OpSetStarred {
		data.Set("starred", strconv.FormatBool(extra.Starred))
	}

	var resp ManagerResponse
	err = c.call(ctx, string(op), "", http.MethodPost, c.fileURL(), params,
		strings.NewReader(data.Encode()), "application/x-www-form-urlencoded", &resp)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() && len(resp.Info) == 0 {
		return nil, apiError(string(op), "", resp.ErrNo, resp.Msg)
	}

	results := make(map[string]ManagerResult, len(resp.Info))
	for _, r := range resp.Info {
		results[fs.CleanPath(r.Path)] = r
	}

	acks := make([]fs.MutationAck, len(cleaned))
	for i, p := range cleaned {
		acks[i] = fs.MutationAck{Path: p}
		r, ok := results[p]
		switch {
		case ok && r.ErrNo != 0:
			acks[i].Err = apiError(string(op), p, r.ErrNo, r.Msg)
		case !ok && !resp.IsSuccess():
			// 部分失败但服务端没有给出该路径的结果
			acks[i].Err = apiError(string(op), p, resp.ErrNo, resp.Msg)
		}
	}
	return acks, nil
}

// call 发送请求并将 JSON 响应解析到 out
func (c *Client) call(ctx context.Context, op, target, method, urlStr string, params url.Values, body io.Reader, contentType string, out any) error {
	resp, err := c.send(ctx, op, target, method, urlStr, params, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// 响应被截断等情况按网络错误处理
		return fs.NewError(fs.TransientNetworkError, op, target, "", fmt.Errorf("decode response failed: %w", err))
	}
	return nil
}

// send 通用请求封装，返回 200 的响应，其余状态码转换为分类错误
func (c *Client) send(ctx context.Context, op, target, method, urlStr string, params url.Values, body io.Reader, contentType string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(ctx, op, target, err)
	}

	// 自动注入 AccessToken
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", c.opts.AccessToken)

	req, err := http.NewRequestWithContext(ctx, method, urlStr+"?"+params.Encode(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Debug("请求失败", "op", op, "target", target, "err", err)
		return nil, classifyTransport(ctx, op, target, err)
	}
	slog.Debug("请求完成", "op", op, "target", target, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var pcs PCSResponse
	if json.Unmarshal(raw, &pcs) == nil && pcs.Msg != "" {
		msg = pcs.Msg
	}

	statusErr := fmt.Errorf("http status %d", resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fs.NewError(fs.TransientNetworkError, op, target, msg, statusErr)
	}
	return nil, fs.NewError(fs.ServerRejected, op, target, msg, statusErr)
}

// classifyTransport 传输层错误: 调用方取消视为用户取消，其余可重试
func classifyTransport(ctx context.Context, op, target string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fs.NewError(fs.CancelledByUser, op, target, "", err)
	}
	return fs.NewError(fs.TransientNetworkError, op, target, "", err)
}

// apiError 服务端 errno 转换为分类错误
func apiError(op, target string, errno int, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("errno=%d", errno)
	}
	if errno == errnoFrequencyControl {
		return fs.NewError(fs.TransientNetworkError, op, target, msg, nil)
	}
	return fs.NewError(fs.ServerRejected, op, target, msg, fmt.Errorf("api error: %d", errno))
}
