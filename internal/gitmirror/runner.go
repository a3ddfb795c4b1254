package gitmirror

import (
	"context"
	"os"
	"os/exec"
)

// Runner 在指定目录执行一条 git 命令并返回合并后的 stdout/stderr。
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// ExecRunner 通过本机 git 可执行文件运行命令。
// Proxy 非空时 clone/fetch 经由该 HTTP 代理访问远端。
type ExecRunner struct {
	Binary string
	Proxy  string
}

// Run 实现 Runner。禁用交互式凭据提示，避免子进程挂起等待输入。
func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = "git"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Env = r.env()
	return cmd.CombinedOutput()
}

func (r ExecRunner) env() []string {
	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if r.Proxy != "" {
		env = append(env,
			"http_proxy="+r.Proxy,
			"https_proxy="+r.Proxy,
			"HTTP_PROXY="+r.Proxy,
			"HTTPS_PROXY="+r.Proxy,
		)
	}
	return env
}
