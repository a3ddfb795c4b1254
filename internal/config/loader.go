package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort    = 3128
	defaultStoragePath   = "./storage"
	defaultGitStorage    = "./storage-git"
	defaultGitBinary     = "git"
	defaultGitReloadPath = "/-/reload"
	defaultBodyLimit     = 64 * 1024 * 1024
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", defaultStoragePath)
	v.SetDefault("CommitDelay", "0s")
	v.SetDefault("BodyLimit", defaultBodyLimit)
	v.SetDefault("UpstreamProxy", "")
	v.SetDefault("GitStoragePath", defaultGitStorage)
	v.SetDefault("GitBinary", defaultGitBinary)
	v.SetDefault("GitReloadPath", defaultGitReloadPath)
}

// ApplyDefaults 填充零值字段，测试中直接构造 Config 时同样适用。
func ApplyDefaults(c *Config) {
	if c.ListenPort == 0 {
		c.ListenPort = defaultListenPort
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if c.StoragePath == "" {
		c.StoragePath = defaultStoragePath
	}
	if c.GitStoragePath == "" {
		c.GitStoragePath = defaultGitStorage
	}
	if strings.TrimSpace(c.GitBinary) == "" {
		c.GitBinary = defaultGitBinary
	}
	if strings.TrimSpace(c.GitReloadPath) == "" {
		c.GitReloadPath = defaultGitReloadPath
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = defaultBodyLimit
	}
	if c.CommitDelay.DurationValue() < 0 {
		c.CommitDelay = Duration(0)
	}
	c.UpstreamProxy = strings.TrimSpace(c.UpstreamProxy)
}

func absolutize(c *Config) error {
	absStorage, err := filepath.Abs(c.StoragePath)
	if err != nil {
		return fmt.Errorf("无法解析缓存目录: %w", err)
	}
	c.StoragePath = absStorage

	absGit, err := filepath.Abs(c.GitStoragePath)
	if err != nil {
		return fmt.Errorf("无法解析镜像目录: %w", err)
	}
	c.GitStoragePath = absGit
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
