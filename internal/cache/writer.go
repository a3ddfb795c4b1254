package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Writer 是一次成功正文写入的句柄：追加写 200.temp，Commit 时原子发布为 200。
// 同一 Writer 只能由一个 goroutine 使用。
type Writer struct {
	key       Key
	dir       string
	tempPath  string
	finalPath string
	header    http.Header
	file      *os.File
	written   int64
	delay     time.Duration
	closed    bool
}

// TempPath 返回写入中的正文路径，订阅者据此追读。
func (w *Writer) TempPath() string {
	return w.tempPath
}

// FinalPath 返回 Commit 后的正文路径。
func (w *Writer) FinalPath() string {
	return w.finalPath
}

// Header 返回经过白名单过滤、将随正文持久化的响应头。
func (w *Writer) Header() http.Header {
	return w.header
}

// Written 返回已追加的字节数。
func (w *Writer) Written() int64 {
	return w.written
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("%w: writer closed", ErrWrite)
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return n, nil
}

// Commit 依次执行 fsync → close →（可选等待）→ 写入 200.headers → rename。
// 条目的修改时间取 Last-Modified，缺失时取提交时刻。
func (w *Writer) Commit() (*Entry, error) {
	if w.closed {
		return nil, fmt.Errorf("%w: writer closed", ErrWrite)
	}
	w.closed = true

	err := w.file.Sync()
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(w.tempPath)
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	if w.delay > 0 {
		time.Sleep(w.delay)
	}

	encoded, err := json.Marshal(w.header)
	if err != nil {
		os.Remove(w.tempPath)
		return nil, fmt.Errorf("%w: encode headers: %v", ErrWrite, err)
	}
	if err := writeFileAtomic(w.dir, KindSuccess.FileName()+headersSuffix, encoded); err != nil {
		os.Remove(w.tempPath)
		return nil, err
	}

	modTime := extractModTime(w.header)
	if err := os.Chtimes(w.tempPath, modTime, modTime); err != nil {
		os.Remove(w.tempPath)
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	if err := os.Rename(w.tempPath, w.finalPath); err != nil {
		os.Remove(w.tempPath)
		return nil, fmt.Errorf("%w: %v", ErrRename, err)
	}

	return &Entry{
		Key:       w.key,
		Kind:      KindSuccess,
		FilePath:  w.finalPath,
		SizeBytes: w.written,
		ModTime:   modTime,
		Header:    w.header,
	}, nil
}

// Abort 放弃本次写入并删除临时文件，可重复调用。
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	closeErr := w.file.Close()
	if err := os.Remove(w.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return closeErr
}

func extractModTime(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}
