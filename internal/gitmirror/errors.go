package gitmirror

import "errors"

var (
	// ErrNotFound 表示镜像中不存在请求的文件。
	ErrNotFound = errors.New("git mirror file not found")

	// ErrCloneCommand 表示 clone 或随后的 update-server-info 失败。
	ErrCloneCommand = errors.New("git clone failed")

	// ErrFetchCommand 表示刷新镜像时 fetch 或 update-server-info 失败。
	ErrFetchCommand = errors.New("git fetch failed")

	// ErrInvalidRepository 表示仓库地址无法映射到镜像目录。
	ErrInvalidRepository = errors.New("invalid git repository")
)
