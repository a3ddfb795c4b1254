package gitmirror

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestExecRunnerRunsInDirectory(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git 不可用")
	}
	dir := t.TempDir()

	out, err := ExecRunner{}.Run(context.Background(), dir, "init", "--bare", "repo.git")
	if err != nil {
		t.Fatalf("git init: %v (%s)", err, out)
	}
	if _, err := (ExecRunner{Binary: "git"}).Run(context.Background(), dir+"/repo.git", "update-server-info"); err != nil {
		t.Fatalf("update-server-info: %v", err)
	}
	if !isDir(dir + "/repo.git/info") {
		t.Fatalf("expected info directory after update-server-info")
	}
}

func TestExecRunnerReportsFailure(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git 不可用")
	}
	out, err := ExecRunner{}.Run(context.Background(), t.TempDir(), "fetch", "origin")
	if err == nil {
		t.Fatalf("fetch outside a repository should fail")
	}
	if !strings.Contains(strings.ToLower(string(out)), "not a git repository") {
		t.Fatalf("expected git stderr in output, got %q", out)
	}
}

func TestExecRunnerPassesUpstreamProxy(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("需要 /bin/sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-git")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"$https_proxy $HTTP_PROXY $GIT_TERMINAL_PROMPT $1\"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	runner := ExecRunner{Binary: script, Proxy: "http://proxy.local:8080"}
	out, err := runner.Run(context.Background(), dir, "fetch")
	if err != nil {
		t.Fatalf("run: %v (%s)", err, out)
	}
	if got := strings.TrimSpace(string(out)); got != "http://proxy.local:8080 http://proxy.local:8080 0 fetch" {
		t.Fatalf("unexpected environment: %q", got)
	}

	for _, kv := range (ExecRunner{}).env() {
		if strings.HasPrefix(kv, "https_proxy=http://proxy.local") {
			t.Fatalf("proxy must not be injected when unset")
		}
	}
}
