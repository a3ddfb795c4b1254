package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tempSuffix    = ".temp"
	headersSuffix = ".headers"
)

// Options 控制写入过程中的可选行为。
type Options struct {
	// CommitDelay 是 rename 前的固定等待，默认 0（已通过 fsync 保证落盘）。
	CommitDelay time.Duration
}

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string, opts Options) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryCreate, err)
	}

	return &fileStore{
		basePath:    abs,
		commitDelay: opts.CommitDelay,
	}, nil
}

// fileStore 不持有锁：同一 key 的写入由上层的在途注册表保证单写者。
type fileStore struct {
	basePath    string
	commitDelay time.Duration
}

func (s *fileStore) Lookup(ctx context.Context, key Key) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dir, err := s.entryDir(key)
	if err != nil {
		return nil, err
	}

	for _, kind := range lookupOrder {
		filePath := filepath.Join(dir, kind.FileName())
		info, err := os.Stat(filePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRead, err)
		}
		if info.IsDir() {
			continue
		}

		entry := &Entry{
			Key:       key,
			Kind:      kind,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		}
		switch {
		case kind == KindSuccess:
			entry.Header = readHeaders(filePath + headersSuffix)
		case kind.IsRedirect():
			location, err := os.ReadFile(filePath)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRead, err)
			}
			entry.Location = strings.TrimSpace(string(location))
		}
		return entry, nil
	}
	return nil, ErrNotFound
}

func (s *fileStore) Open(entry *Entry) (*os.File, error) {
	if entry == nil || entry.Kind != KindSuccess {
		return nil, fmt.Errorf("%w: not a success entry", ErrRead)
	}
	f, err := os.Open(entry.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return f, nil
}

func (s *fileStore) BeginWrite(ctx context.Context, key Key, header http.Header) (*Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.ensureDir(key)
	if err != nil {
		return nil, err
	}

	finalPath := filepath.Join(dir, KindSuccess.FileName())
	tempPath := finalPath + tempSuffix
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	return &Writer{
		key:       key,
		dir:       dir,
		tempPath:  tempPath,
		finalPath: finalPath,
		header:    FilterHeader(header),
		file:      file,
		delay:     s.commitDelay,
	}, nil
}

func (s *fileStore) WriteNotFound(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.ensureDir(key)
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, KindNotFound.FileName(), nil)
}

func (s *fileStore) WriteRedirect(ctx context.Context, key Key, kind Kind, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !kind.IsRedirect() {
		return fmt.Errorf("%w: %s is not a redirect", ErrWrite, kind)
	}
	dir, err := s.ensureDir(key)
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, kind.FileName(), []byte(location))
}

func (s *fileStore) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.entryDir(key)
	if err != nil {
		return err
	}
	success := KindSuccess.FileName()
	names := []string{success + tempSuffix, success + headersSuffix}
	for _, kind := range lookupOrder {
		names = append(names, kind.FileName())
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Paths(key Key) (string, string, error) {
	dir, err := s.entryDir(key)
	if err != nil {
		return "", "", err
	}
	final := filepath.Join(dir, KindSuccess.FileName())
	return final + tempSuffix, final, nil
}

// ensureDir 创建 key 目录；目录已存在不视为错误。
func (s *fileStore) ensureDir(key Key) (string, error) {
	dir, err := s.entryDir(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDirectoryCreate, err)
	}
	return dir, nil
}

func (s *fileStore) entryDir(key Key) (string, error) {
	if key.Host == "" {
		return "", fmt.Errorf("%w: host required", ErrInvalidKey)
	}
	dir := filepath.Join(s.basePath, key.relDir())
	if dir != s.basePath && !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes storage", ErrInvalidKey)
	}
	return dir, nil
}

func readHeaders(path string) http.Header {
	header := http.Header{}
	data, err := os.ReadFile(path)
	if err != nil {
		return header
	}
	var stored map[string][]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return header
	}
	for name, values := range stored {
		header[http.CanonicalHeaderKey(name)] = values
	}
	return header
}

// writeFileAtomic 先写入同目录临时文件再 rename，保证读者看到完整内容。
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrRename, err)
	}
	return nil
}
