package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/bpaquet/offline-proxy/internal/cache"
)

const teeChunkSize = 32 * 1024

// drainFlight 把 flight 的正文从偏移 0 开始写给 dst，直到 flight 结束。
// 数据来源是写入中的 200.temp；临时文件被改名后改从最终文件的已发送偏移处续读。
// 每轮读取前先取快照，读到 EOF 时依据该快照判断是结束、失败还是等待下一次广播。
func drainFlight(ctx context.Context, f *flight, dst io.Writer) (int64, error) {
	var sent int64

	src, err := openTemp(f.view().tempPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		if src != nil {
			src.Close()
		}
	}()

	buf := make([]byte, teeChunkSize)
	for {
		view := f.view()

		if src != nil {
			n, readErr := src.Read(buf)
			if n > 0 {
				if _, err := dst.Write(buf[:n]); err != nil {
					return sent, err
				}
				sent += int64(n)
				continue
			}
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				return sent, fmt.Errorf("%w: %v", cache.ErrRead, readErr)
			}
		}

		switch view.state {
		case stateFinished:
			if sent >= view.written {
				return sent, nil
			}
			n, err := copyFrom(view.finalPath, sent, dst)
			return sent + n, err
		case stateFailed:
			return sent, view.err
		}

		select {
		case <-view.changed:
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
}

// openTemp 打开写入中的临时文件，文件已被改名时返回 nil。
func openTemp(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", cache.ErrRead, err)
	}
	return file, nil
}

// copyFrom 从最终文件的 offset 处把剩余内容写给 dst。
func copyFrom(path string, offset int64, dst io.Writer) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", cache.ErrRead, err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: %v", cache.ErrRead, err)
	}
	return io.CopyBuffer(dst, file, make([]byte, teeChunkSize))
}

// flushWriter 每次写入后立即 flush，让客户端尽快拿到已落盘的数据。
type flushWriter struct {
	w *bufio.Writer
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, fw.w.Flush()
}
