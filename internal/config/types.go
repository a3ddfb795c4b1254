package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "200ms"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Config 是 TOML 文件映射的整体结构，所有组件在构造时显式接收它。
type Config struct {
	// 监听与日志
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// 磁盘缓存
	StoragePath string   `mapstructure:"StoragePath"`
	CommitDelay Duration `mapstructure:"CommitDelay"`
	BodyLimit   int      `mapstructure:"BodyLimit"`

	// 回源
	UpstreamProxy string `mapstructure:"UpstreamProxy"`

	// git 镜像
	GitStoragePath string `mapstructure:"GitStoragePath"`
	GitBinary      string `mapstructure:"GitBinary"`
	GitReloadPath  string `mapstructure:"GitReloadPath"`
}

// HasUpstreamProxy 表示是否需要经由上级 HTTP 代理回源。
func (c *Config) HasUpstreamProxy() bool {
	return c != nil && strings.TrimSpace(c.UpstreamProxy) != ""
}
