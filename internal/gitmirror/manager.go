package gitmirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Manager 负责镜像的首次克隆、静态文件定位与批量刷新。
type Manager struct {
	root   string
	runner Runner
	logger *logrus.Logger

	clones   singleflight.Group
	reloadMu sync.Mutex
}

// NewManager 创建 Manager，root 不存在时自动创建。
func NewManager(root string, runner Runner, logger *logrus.Logger) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("git storage path is required")
	}
	if runner == nil {
		return nil, errors.New("git runner is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create git storage: %w", err)
	}
	return &Manager{root: abs, runner: runner, logger: logger}, nil
}

// Root 返回镜像根目录。
func (m *Manager) Root() string {
	return m.root
}

// Dir 返回仓库对应的镜像目录：<root>/<host>/<path>.git。
func (m *Manager) Dir(repo Repository) (string, error) {
	host := strings.ToLower(repo.Host)
	if host == "" || strings.ContainsAny(host, `/\`) || host == "." || host == ".." {
		return "", fmt.Errorf("%w: host %q", ErrInvalidRepository, repo.Host)
	}
	clean := path.Clean("/" + repo.Path)
	if clean == "/" || !strings.HasSuffix(clean, repoSuffix) {
		return "", fmt.Errorf("%w: path %q", ErrInvalidRepository, repo.Path)
	}
	return filepath.Join(m.root, host, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Resolve 确保镜像存在后返回仓库内 rel 对应的文件路径。
// 镜像不存在时触发克隆，同一仓库的并发请求共享同一次克隆并得到相同结果。
func (m *Manager) Resolve(ctx context.Context, repo Repository, rel string) (string, error) {
	dir, err := m.Dir(repo)
	if err != nil {
		return "", err
	}
	if err := m.ensure(ctx, repo, dir); err != nil {
		return "", err
	}

	target := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(path.Clean("/"+rel), "/")))
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if info.IsDir() {
		return "", ErrNotFound
	}
	return target, nil
}

func (m *Manager) ensure(ctx context.Context, repo Repository, dir string) error {
	if isDir(dir) {
		return nil
	}

	ch := m.clones.DoChan(dir, func() (interface{}, error) {
		return nil, m.clone(repo, dir)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clone 在临时目录完成 clone --bare 与 update-server-info 后再改名为正式目录，
// 因此镜像目录一旦存在就是完整可用的。
func (m *Manager) clone(repo Repository, dir string) error {
	if isDir(dir) {
		return nil
	}

	ctx := context.Background()
	started := time.Now()
	fields := logrus.Fields{
		"action": "git_clone",
		"repo":   repo.String(),
		"remote": repo.RemoteURL(),
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrCloneCommand, parent, err)
	}

	tmp := dir + ".clone-" + uuid.NewString()
	defer os.RemoveAll(tmp)

	out, err := m.runner.Run(ctx, parent, "clone", "--bare", repo.RemoteURL(), tmp)
	observeCommand("clone", err)
	if err != nil {
		m.logger.WithError(err).WithFields(fields).WithField("output", string(out)).Warn("git_clone_failed")
		return fmt.Errorf("%w: %s: %v", ErrCloneCommand, repo.RemoteURL(), err)
	}

	out, err = m.runner.Run(ctx, tmp, "update-server-info")
	observeCommand("update-server-info", err)
	if err != nil {
		m.logger.WithError(err).WithFields(fields).WithField("output", string(out)).Warn("git_clone_failed")
		return fmt.Errorf("%w: update-server-info %s: %v", ErrCloneCommand, repo.String(), err)
	}

	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrCloneCommand, dir, err)
	}

	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	m.logger.WithFields(fields).Info("git_clone_complete")
	return nil
}

// Mirrors 返回全部已完成的镜像目录，按路径字典序排列。克隆中的临时目录不计入。
func (m *Manager) Mirrors() ([]string, error) {
	var mirrors []string
	err := filepath.WalkDir(m.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() || p == m.root {
			return nil
		}
		if strings.HasSuffix(d.Name(), repoSuffix) {
			mirrors = append(mirrors, p)
			return fs.SkipDir
		}
		if strings.Contains(d.Name(), repoSuffix+".clone-") {
			return fs.SkipDir
		}
		return nil
	})
	return mirrors, err
}

// Reload 依次刷新全部镜像：fetch --prune 后重建 dumb http 元数据。
// 遇到第一个失败即停止，返回已收集的命令输出与错误；同一时刻只允许一次刷新。
func (m *Manager) Reload(ctx context.Context) (string, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	mirrors, err := m.Mirrors()
	if err != nil {
		return "", fmt.Errorf("%w: list mirrors: %v", ErrFetchCommand, err)
	}

	started := time.Now()
	var output bytes.Buffer
	for _, dir := range mirrors {
		rel, _ := filepath.Rel(m.root, dir)
		fmt.Fprintf(&output, "==> %s\n", filepath.ToSlash(rel))

		out, err := m.runner.Run(ctx, dir, "fetch", "--prune", "origin",
			"+refs/heads/*:refs/heads/*", "+refs/tags/*:refs/tags/*")
		observeCommand("fetch", err)
		output.Write(out)
		if err != nil {
			m.logReloadFailure(rel, err)
			return output.String(), fmt.Errorf("%w: %s: %v", ErrFetchCommand, rel, err)
		}

		out, err = m.runner.Run(ctx, dir, "update-server-info")
		observeCommand("update-server-info", err)
		output.Write(out)
		if err != nil {
			m.logReloadFailure(rel, err)
			return output.String(), fmt.Errorf("%w: update-server-info %s: %v", ErrFetchCommand, rel, err)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"action":     "git_reload",
		"mirrors":    len(mirrors),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("git_reload_complete")
	return output.String(), nil
}

func (m *Manager) logReloadFailure(rel string, err error) {
	m.logger.WithError(err).WithFields(logrus.Fields{
		"action": "git_reload",
		"mirror": filepath.ToSlash(rel),
	}).Warn("git_reload_failed")
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
