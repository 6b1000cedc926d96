package config

import (
	"errors"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动下载流程。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.HeuristicLifetime.DurationValue() <= 0 {
		return newFieldError("HeuristicLifetime", "必须大于 0")
	}
	if g.SweepGrace.DurationValue() < 0 {
		return newFieldError("SweepGrace", "不能为负数")
	}
	if g.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError("ConnectTimeout", "必须大于 0")
	}
	if g.RequestTimeout.DurationValue() <= 0 {
		return newFieldError("RequestTimeout", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("InitialBackoff", "必须大于 0")
	}

	return c.Proxy.validate()
}

func (p ProxyConfig) validate() error {
	if !p.Configured() {
		if p.Port != 0 || p.Username != "" || p.Password != "" {
			return newFieldError("Proxy.Host", "配置了代理参数但缺少 Host")
		}
		return nil
	}

	if strings.Contains(p.Host, "://") {
		return newFieldError("Proxy.Host", "不应包含协议头")
	}
	if strings.Contains(p.Host, "/") {
		return newFieldError("Proxy.Host", "不允许包含路径")
	}
	if strings.Contains(p.Host, " ") {
		return newFieldError("Proxy.Host", "不允许包含空格")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return newFieldError("Proxy.Port", "必须在 1-65535")
	}
	if (p.Username == "") != (p.Password == "") {
		return newFieldError("Proxy.Username/Password", "必须同时提供或同时留空")
	}
	return nil
}
