package cache

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<host>/<path>[/<digest>]/200          # 正文
//	<StoragePath>/<host>/<path>[/<digest>]/200.temp     # 写入中的正文
//	<StoragePath>/<host>/<path>[/<digest>]/200.headers  # JSON 序列化的响应头
//	<StoragePath>/<host>/<path>[/<digest>]/404          # 空标记
//	<StoragePath>/<host>/<path>[/<digest>]/301|302      # Location 目标
type Store interface {
	// Lookup 依次检查 200、404、302、301，返回第一个存在的条目；都不存在时返回 ErrNotFound。
	Lookup(ctx context.Context, key Key) (*Entry, error)

	// Open 打开成功条目的正文，调用方负责关闭。
	Open(entry *Entry) (*os.File, error)

	// BeginWrite 创建 key 目录（并发安全、幂等）并打开 200.temp。
	BeginWrite(ctx context.Context, key Key, header http.Header) (*Writer, error)

	// WriteNotFound 写入空的 404 标记，幂等。
	WriteNotFound(ctx context.Context, key Key) error

	// WriteRedirect 写入 301/302 标记，内容为 Location 目标，幂等。
	WriteRedirect(ctx context.Context, key Key, kind Kind, location string) error

	// Remove 删除 key 下的所有形态，供运维或测试清理使用。
	Remove(ctx context.Context, key Key) error

	// Paths 返回 key 对应的正文临时文件与最终文件路径。
	Paths(key Key) (temp string, final string, err error)
}

// Kind 是缓存条目形态的封闭枚举，取值即磁盘上的文件名。
type Kind int

const (
	KindSuccess           Kind = http.StatusOK
	KindRedirectPermanent Kind = http.StatusMovedPermanently
	KindRedirectTemporary Kind = http.StatusFound
	KindNotFound          Kind = http.StatusNotFound
)

// lookupOrder 为多个形态同时存在时的优先级。
var lookupOrder = []Kind{KindSuccess, KindNotFound, KindRedirectTemporary, KindRedirectPermanent}

// FileName 返回该形态在 key 目录中的文件名。
func (k Kind) FileName() string {
	return strconv.Itoa(int(k))
}

// StatusCode 返回重放该条目时使用的 HTTP 状态码。
func (k Kind) StatusCode() int {
	return int(k)
}

// IsRedirect 表示条目是否为 301/302 标记。
func (k Kind) IsRedirect() bool {
	return k == KindRedirectPermanent || k == KindRedirectTemporary
}

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNotFound:
		return "not_found"
	case KindRedirectTemporary:
		return "redirect_temporary"
	case KindRedirectPermanent:
		return "redirect_permanent"
	default:
		return "unknown"
	}
}

// KindForStatus 将上游状态码映射到可缓存形态，其余状态码返回 false。
func KindForStatus(status int) (Kind, bool) {
	switch status {
	case http.StatusOK:
		return KindSuccess, true
	case http.StatusMovedPermanently:
		return KindRedirectPermanent, true
	case http.StatusFound:
		return KindRedirectTemporary, true
	case http.StatusNotFound:
		return KindNotFound, true
	default:
		return 0, false
	}
}

// Entry 表示一次命中结果。Header/SizeBytes/ModTime 仅对成功条目有意义，
// Location 仅对重定向条目有意义。
type Entry struct {
	Key       Key         `json:"key"`
	Kind      Kind        `json:"kind"`
	FilePath  string      `json:"file_path"`
	SizeBytes int64       `json:"size_bytes"`
	ModTime   time.Time   `json:"mod_time"`
	Header    http.Header `json:"header,omitempty"`
	Location  string      `json:"location,omitempty"`
}

// ReplayHeaders 是缓存命中与流式转发时回放给客户端的响应头白名单。
var ReplayHeaders = []string{
	"Content-Length",
	"Content-Type",
	"Content-Encoding",
	"Last-Modified",
	"Expires",
	"Etag",
	"Cache-Control",
	"Server",
}

// FilterHeader 只保留 ReplayHeaders 中的响应头。
func FilterHeader(src http.Header) http.Header {
	dst := make(http.Header, len(ReplayHeaders))
	for _, name := range ReplayHeaders {
		if values := src.Values(name); len(values) > 0 {
			dst[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return dst
}
