package database

import "time"

// PreviewRecord 预览缓存中一个 blob 的索引记录
// 存入数据库时会序列化为 JSON
type PreviewRecord struct {
	// 远端路径 (作为数据库的 Key，这里也存一份冗余方便反序列化)
	Key string `json:"key"`

	// 本地 blob 文件路径
	BlobRef string `json:"blob_ref"`

	// blob 大小 (字节)
	ByteSize int64 `json:"byte_size"`

	// 最后访问时间 (Unix Nano)，LRU 淘汰依据
	LastAccessedAt int64 `json:"last_accessed_at"`
}

// LastAccessedTime 辅助方法：转为 Go Time 对象
func (r *PreviewRecord) LastAccessedTime() time.Time {
	return time.Unix(0, r.LastAccessedAt)
}

// UploadRecord 上传任务的断点记录
// 每确认一个分片更新一次，用于进程重启后续传
type UploadRecord struct {
	ID               string `json:"id"`
	SourceRef        string `json:"source_ref"`
	DestinationPath  string `json:"destination_path"`
	TotalBytes       int64  `json:"total_bytes"`
	BytesTransferred int64  `json:"bytes_transferred"`
	Status           string `json:"status"`
	SessionID        string `json:"session_id"`
	ChunkSize        int64  `json:"chunk_size"`
	NextChunkIndex   int    `json:"next_chunk_index"`
	ErrorMessage     string `json:"error_message,omitempty"`

	// 最后一次写入的时间 (Unix Nano)
	UpdatedAt int64 `json:"updated_at"`
}
