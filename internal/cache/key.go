package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
)

// Key 唯一定位一个缓存目录：Host + 规范化路径，POST 或带查询串的请求额外附加
// 一段内容摘要。两个 Key 相等即视为同一缓存资源。
type Key struct {
	Host   string `json:"host"`
	Path   string `json:"path"`
	Digest string `json:"digest,omitempty"`
}

// NewKey 根据请求方法、目标 host/path、原始查询串和请求体计算缓存键。
// 查询串与请求体以 SHA-1 摘要的形式追加为独立的路径段。
func NewKey(method, host, rawPath, rawQuery string, body []byte) (Key, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return Key{}, fmt.Errorf("%w: empty host", ErrInvalidKey)
	}
	if strings.ContainsAny(host, `/\`) || host == "." || host == ".." {
		return Key{}, fmt.Errorf("%w: host %q", ErrInvalidKey, host)
	}

	if rawPath == "" {
		rawPath = "/"
	}
	clean := path.Clean("/" + rawPath)

	key := Key{Host: host, Path: clean}
	if method == http.MethodPost || rawQuery != "" {
		sum := sha1.New()
		sum.Write([]byte(rawQuery))
		if method == http.MethodPost {
			sum.Write(body)
		}
		key.Digest = hex.EncodeToString(sum.Sum(nil))
	}
	return key, nil
}

// String 返回 URL 风格的键表示，用于日志与在途注册表。
func (k Key) String() string {
	s := k.Host + k.Path
	if k.Digest != "" {
		s = strings.TrimSuffix(s, "/") + "/" + k.Digest
	}
	return s
}

// relDir 返回相对 StoragePath 的目录。
func (k Key) relDir() string {
	parts := []string{k.Host, filepath.FromSlash(strings.TrimPrefix(k.Path, "/"))}
	if k.Digest != "" {
		parts = append(parts, k.Digest)
	}
	return filepath.Join(parts...)
}
