package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供方法/目标/缓存键字段，供代理请求日志复用。
func RequestFields(method, target, cacheKey, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"method":    method,
		"target":    target,
		"cache_key": cacheKey,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
