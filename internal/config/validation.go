package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return newFieldError("LogLevel", "无法识别的日志级别")
	}
	if strings.TrimSpace(c.StoragePath) == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if strings.TrimSpace(c.GitStoragePath) == "" {
		return newFieldError("GitStoragePath", "不能为空")
	}
	if c.CommitDelay.DurationValue() < 0 {
		return newFieldError("CommitDelay", "不能为负数")
	}
	if c.BodyLimit <= 0 {
		return newFieldError("BodyLimit", "必须大于 0")
	}
	if err := validateReloadPath(c.GitReloadPath); err != nil {
		return fmt.Errorf("GitReloadPath: %w", err)
	}
	if c.UpstreamProxy != "" {
		if err := validateProxyURL(c.UpstreamProxy); err != nil {
			return fmt.Errorf("UpstreamProxy: %w", err)
		}
	}
	return nil
}

// UpstreamProxyURL 返回解析后的上级代理地址，未配置时返回 nil。
func (c *Config) UpstreamProxyURL() (*url.URL, error) {
	if !c.HasUpstreamProxy() {
		return nil, nil
	}
	if err := validateProxyURL(c.UpstreamProxy); err != nil {
		return nil, err
	}
	return url.Parse(c.UpstreamProxy)
}

func validateReloadPath(raw string) error {
	if !strings.HasPrefix(raw, "/-/") {
		return errors.New("必须以 /-/ 开头")
	}
	if strings.ContainsAny(raw, " ?#") {
		return errors.New("不允许包含空格、查询或锚点")
	}
	return nil
}

func validateProxyURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，代理: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("代理缺少 Host: %s", raw)
	}
	return nil
}
