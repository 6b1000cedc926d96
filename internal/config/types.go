package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
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

// GlobalConfig 描述下载缓存的全局运行时行为。
type GlobalConfig struct {
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// CacheDir 为空时整个缓存层被禁用，所有请求直接回源。
	CacheDir          string   `mapstructure:"CacheDir"`
	HeuristicLifetime Duration `mapstructure:"HeuristicLifetime"`
	SweepGrace        Duration `mapstructure:"SweepGrace"`

	ConnectTimeout  Duration `mapstructure:"ConnectTimeout"`
	RequestTimeout  Duration `mapstructure:"RequestTimeout"`
	FollowRedirects bool     `mapstructure:"FollowRedirects"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
}

// ProxyConfig 描述上游代理的地址与凭证，全部为空时走环境代理。
type ProxyConfig struct {
	Host     string `mapstructure:"Host"`
	Port     int    `mapstructure:"Port"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Proxy  ProxyConfig  `mapstructure:"Proxy"`
}

// CacheEnabled 表示是否配置了缓存目录。
func (g GlobalConfig) CacheEnabled() bool {
	return g.CacheDir != ""
}

// HasCredentials 表示代理是否配置了完整的凭证。
func (p ProxyConfig) HasCredentials() bool {
	return p.Username != "" && p.Password != ""
}

// Configured 表示是否显式配置了代理地址。
func (p ProxyConfig) Configured() bool {
	return p.Host != ""
}

// URL 构造可供 http.Transport 使用的代理地址（假定 Validate 已通过）。
func (p ProxyConfig) URL() *url.URL {
	if !p.Configured() {
		return nil
	}
	u := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if p.HasCredentials() {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (p ProxyConfig) AuthMode() string {
	if p.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}
