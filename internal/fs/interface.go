package fs

import (
	"context"
	"io"
	"time"
)

// FileItem 远端目录中的一个条目
type FileItem struct {
	Path       string    // 完整路径，唯一键 (统一使用 "/" 作为分隔符)
	Name       string    // 文件名
	IsDir      bool      // 是否为目录
	Size       int64     // 文件大小，-1 表示服务端尚未返回
	ModifiedAt time.Time // 修改时间
	IsStarred  bool      // 是否已收藏
}

// UnknownSize 服务端未报告大小时 FileItem.Size 的取值
const UnknownSize int64 = -1

// UploadSession 由服务端协商出的上传会话
// ChunkSize 由服务端决定，客户端在任务生命周期内必须遵守
type UploadSession struct {
	SessionID string
	ChunkSize int64
}

// ChunkAck 服务端对单个分片的确认
type ChunkAck struct {
	Index int
	MD5   string // 云端计算出的该分片 MD5，为空时不做校验
}

// BatchOp 批量变更操作类型 (与服务端 filemanager 的 opera 一一对应)
type BatchOp string

const (
	OpMove       BatchOp = "move"
	OpCopy       BatchOp = "copy"
	OpDelete     BatchOp = "delete"
	OpSetStarred BatchOp = "star"
)

// MutationExtra 批量变更的附加参数
type MutationExtra struct {
	DestDir string // move/copy 的目标目录
	NewName string // move 时可选的新文件名 (用于重命名)
	Starred bool   // star 的目标状态
}

// MutationAck 单个路径的变更结果，Err 为 nil 表示成功
type MutationAck struct {
	Path string
	Err  error
}

// RemoteFileClient 是对远端存储服务的窄接口抽象，不持有任何本地状态
type RemoteFileClient interface {
	// ListDirectory 列出目录下的直接子项
	ListDirectory(ctx context.Context, dir string) ([]FileItem, error)

	// InitUploadSession 预上传，协商 sessionId 与分片大小
	InitUploadSession(ctx context.Context, fileName, destinationPath string, totalBytes int64) (UploadSession, error)

	// UploadChunk 上传第 index 个分片 (从 0 开始)
	UploadChunk(ctx context.Context, sessionID string, index int, data []byte) (ChunkAck, error)

	// CompleteUpload 合并分片并返回最终的文件信息
	CompleteUpload(ctx context.Context, sessionID string) (FileItem, error)

	// DownloadBlob 下载文件内容，调用者负责 Close
	DownloadBlob(ctx context.Context, path string) (io.ReadCloser, error)

	// MutateBatch 对一组路径执行同一种变更，逐个返回结果
	MutateBatch(ctx context.Context, op BatchOp, paths []string, extra MutationExtra) ([]MutationAck, error)
}

// Source 一个可随机读取的上传源
type Source interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// SourceOpener 根据 sourceRef 打开上传源
type SourceOpener interface {
	Open(sourceRef string) (Source, error)
}
