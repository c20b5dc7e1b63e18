package remote

import (
	"time"

	"cloudsync/internal/fs"
)

// PCSResponse 通用响应外壳
type PCSResponse struct {
	ErrNo int    `json:"errno"`
	Msg   string `json:"errmsg"`
}

// IsSuccess 判断请求是否成功
func (r *PCSResponse) IsSuccess() bool {
	return r.ErrNo == 0
}

// FileInfo 服务端返回的文件信息
type FileInfo struct {
	FsID        uint64 `json:"fs_id"`
	Path        string `json:"path"`
	ServerName  string `json:"server_filename"`
	Size        *int64 `json:"size"`         // 缺省表示服务端尚未统计
	ServerMTime int64  `json:"server_mtime"` // Unix 时间戳
	IsDir       int    `json:"isdir"`        // 0:文件, 1:目录
	Starred     int    `json:"starred"`      // 0:未收藏, 1:已收藏
	MD5         string `json:"md5"`
}

// toItem 转换为引擎内部的 FileItem
func (f *FileInfo) toItem() fs.FileItem {
	p := fs.CleanPath(f.Path)
	name := f.ServerName
	if name == "" {
		name = fs.Base(p)
	}
	size := fs.UnknownSize
	if f.Size != nil {
		size = *f.Size
	}
	return fs.FileItem{
		Path:       p,
		Name:       name,
		IsDir:      f.IsDir == 1,
		Size:       size,
		ModifiedAt: time.Unix(f.ServerMTime, 0),
		IsStarred:  f.Starred == 1,
	}
}

// ListResponse /file?method=list 响应
type ListResponse struct {
	PCSResponse
	List []FileInfo `json:"list"`
}

// PrecreateResponse /file?method=precreate 响应
type PrecreateResponse struct {
	PCSResponse
	UploadID  string `json:"uploadid"`
	BlockSize int64  `json:"block_size"` // 服务端决定的分片大小，0 表示使用默认值
}

// UploadSliceResponse superfile2 分片上传响应
type UploadSliceResponse struct {
	MD5       string `json:"md5"`        // 云端计算出的该分片 MD5
	RequestID int64  `json:"request_id"` // 请求 ID，用于调试
	ErrNo     int    `json:"errno"`      // 错误码，0 为成功
	Msg       string `json:"errmsg"`
}

// CreateFileResponse 对应 create 接口的返回 JSON
type CreateFileResponse struct {
	PCSResponse
	FileInfo
}

// ManagerResult filemanager 中单个路径的结果
type ManagerResult struct {
	Path  string `json:"path"`
	ErrNo int    `json:"errno"`
	Msg   string `json:"errmsg"`
}

// ManagerResponse /file?method=filemanager 响应
// errno 为 12 表示部分失败，具体看 info
type ManagerResponse struct {
	PCSResponse
	Info []ManagerResult `json:"info"`
}

// managerItem move/copy 的 filelist 元素
type managerItem struct {
	Path    string `json:"path"`
	Dest    string `json:"dest"`
	NewName string `json:"newname"`
}
