package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供缓存键/资源标识/结果字段，供存储层日志复用。
func CacheFields(key, bodyRef, outcome string) logrus.Fields {
	return logrus.Fields{
		"cache_key": key,
		"body_ref":  bodyRef,
		"outcome":   outcome,
	}
}

// TransferFields 提供下载请求的 URL 与字节数字段，供传输层日志复用。
func TransferFields(url string, bytes int64, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"url":       url,
		"bytes":     bytes,
		"cache_hit": cacheHit,
	}
}
