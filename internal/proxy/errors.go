package proxy

import "errors"

var (
	// ErrOriginConnect 表示无法连接上游或读取上游响应流失败。
	ErrOriginConnect = errors.New("origin connect failed")

	// ErrUnsupportedStatus 表示上游返回了 200/301/302/404 以外的状态码。
	ErrUnsupportedStatus = errors.New("origin returned unsupported status")

	// ErrParse 表示请求目标、URL 或协议格式非法。
	ErrParse = errors.New("malformed request target")
)
