package cache

import "errors"

var (
	// ErrNotFound 表示 key 下不存在任何缓存形态。
	ErrNotFound = errors.New("cache entry not found")

	// ErrInvalidKey 表示无法从请求目标推导出合法的缓存键。
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrDirectoryCreate 表示创建 key 目录失败。
	ErrDirectoryCreate = errors.New("cache directory create failed")

	// ErrWrite 表示写入临时正文、响应头或标记文件失败。
	ErrWrite = errors.New("cache write failed")

	// ErrRename 表示将 200.temp 发布为 200 失败。
	ErrRename = errors.New("cache rename failed")

	// ErrRead 表示读取缓存文件失败。
	ErrRead = errors.New("cache read failed")
)
