package gitmirror

import (
	"fmt"
	"path"
	"strings"
)

const repoSuffix = ".git"

// Repository 标识一个远端仓库，Path 以 .git 结尾，例如 /owner/project.git。
type Repository struct {
	Scheme string
	Host   string
	Path   string
}

// RemoteURL 返回 clone 时使用的远端地址。
func (r Repository) RemoteURL() string {
	return fmt.Sprintf("%s://%s%s", r.Scheme, r.Host, r.Path)
}

func (r Repository) String() string {
	return r.Host + r.Path
}

// Locate 从请求路径向上逐级查找第一个以 .git 结尾的祖先目录，
// 返回对应仓库以及仓库内的相对路径；到达根目录仍未找到时返回 false。
func Locate(scheme, host, urlPath string) (Repository, string, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return Repository{}, "", false
	}
	if scheme == "" {
		scheme = "http"
	}

	clean := path.Clean("/" + urlPath)
	for dir := clean; dir != "/"; dir = path.Dir(dir) {
		base := path.Base(dir)
		if len(base) > len(repoSuffix) && strings.HasSuffix(base, repoSuffix) {
			rel := strings.TrimPrefix(strings.TrimPrefix(clean, dir), "/")
			return Repository{Scheme: scheme, Host: host, Path: dir}, rel, true
		}
	}
	return Repository{}, "", false
}

// IsGitClient 判断 User-Agent 是否来自 git 客户端，例如 git/2.43.0。
func IsGitClient(userAgent string) bool {
	return len(userAgent) >= 3 && strings.EqualFold(userAgent[:3], "git")
}
