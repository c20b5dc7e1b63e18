package fs

import (
	"context"
	"errors"
	"fmt"

	"cloudsync/pkg/retry"
)

// ErrorKind 错误分类，决定重试与上报策略
type ErrorKind int

const (
	// TransientNetworkError 网络抖动等可重试错误
	TransientNetworkError ErrorKind = iota
	// ServerRejected 服务端拒绝 (4xx 或 errno != 0)，不可重试，直接带上服务端消息上报
	ServerRejected
	// ChunkIntegrityError 分片校验失败，只重试该分片
	ChunkIntegrityError
	// CacheCorruption 缓存条目损坏，静默淘汰并重新拉取，不上报
	CacheCorruption
	// CancelledByUser 用户取消，终态但不算失败
	CancelledByUser
)

func (k ErrorKind) String() string {
	switch k {
	case TransientNetworkError:
		return "TransientNetworkError"
	case ServerRejected:
		return "ServerRejected"
	case ChunkIntegrityError:
		return "ChunkIntegrityError"
	case CacheCorruption:
		return "CacheCorruption"
	case CancelledByUser:
		return "CancelledByUser"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error 带分类的错误
type Error struct {
	Kind ErrorKind
	Op   string // 出错的调用，例如 "list"、"upload_chunk"
	Path string
	Msg  string // 服务端返回的消息 (ServerRejected 时有意义)
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Path != "" {
		s += " " + e.Path
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 构造分类错误
func NewError(kind ErrorKind, op, path, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Msg: msg, Err: err}
}

// KindOf 返回 err 的分类
// context 取消视为 CancelledByUser，无法识别的错误按可重试网络错误处理
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return CancelledByUser
	}
	return TransientNetworkError
}

// IsKind 判断 err 是否属于 kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Message 返回面向用户的错误消息，ServerRejected 优先使用服务端原文
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Msg != "" {
		return fe.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Retryable 按分类为 retry.Do 标记错误
// 只有网络错误与分片校验错误会被重试
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case TransientNetworkError, ChunkIntegrityError:
		return retry.Retryable(err)
	}
	return err
}
