package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "absent.toml")); err == nil {
		t.Fatalf("缺失的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
CommitDelay = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsNumericDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
CommitDelay = 1
UpstreamProxy = "http://127.0.0.1:8888"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.CommitDelay.DurationValue() != time.Second {
		t.Fatalf("纯数字应按秒解析，得到 %s", loaded.CommitDelay.DurationValue())
	}
	if !loaded.HasUpstreamProxy() {
		t.Fatalf("UpstreamProxy 应被保留")
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	path := writeTempConfig(t, `LogLevel = "chatty"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("未知日志级别应失败")
	}
}
