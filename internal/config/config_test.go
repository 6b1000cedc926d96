package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, `
LogLevel = "debug"
CacheDir = "./cache"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.HeuristicLifetime.DurationValue() != HeuristicDefaultLifetime {
		t.Fatalf("HeuristicLifetime 应该自动填充默认值")
	}
	if cfg.Global.SweepGrace.DurationValue() != time.Hour {
		t.Fatalf("SweepGrace 默认应为 1h")
	}
	if !cfg.Global.CacheEnabled() {
		t.Fatalf("配置了 CacheDir 时缓存应启用")
	}
	if !filepath.IsAbs(cfg.Global.CacheDir) {
		t.Fatalf("CacheDir 应被解析为绝对路径: %s", cfg.Global.CacheDir)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("无配置文件时应使用默认值: %v", err)
	}
	if cfg.Global.CacheEnabled() {
		t.Fatalf("默认情况下缓存应被禁用")
	}
	if cfg.Global.ConnectTimeout.DurationValue() != 3*time.Second {
		t.Fatalf("ConnectTimeout 默认应为 3s")
	}
	if cfg.Global.MaxRetries != 3 {
		t.Fatalf("MaxRetries 默认应为 3")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfgPath := writeTempConfig(t, `
CacheDir = "./cache"
HeuristicLifetime = 31449600
SweepGrace = 600
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.HeuristicLifetime.DurationValue() != 31449600*time.Second {
		t.Fatalf("整数秒值未被正确解析")
	}
	if cfg.Global.SweepGrace.DurationValue() != 10*time.Minute {
		t.Fatalf("SweepGrace 解析错误: %v", cfg.Global.SweepGrace.DurationValue())
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfgPath := writeTempConfig(t, `
CacheDir = "./cache"
HeuristicLifetime = "boom"
`)
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestValidateRejectsBadProxyPort(t *testing.T) {
	cfg := validConfig()
	cfg.Proxy = ProxyConfig{Host: "proxy.local", Port: 70000}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Proxy.Port 超出范围应当报错")
	}
}

func TestValidateRequiresCredentialPairs(t *testing.T) {
	cfg := validConfig()
	cfg.Proxy = ProxyConfig{Host: "proxy.local", Port: 3128, Username: "foo"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("仅提供 Username 时应报错")
	}
}

func TestValidateRejectsProxyHostWithScheme(t *testing.T) {
	cfg := validConfig()
	cfg.Proxy = ProxyConfig{Host: "http://proxy.local", Port: 3128}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Proxy.Host 带协议头应当报错")
	}
}

func TestProxyURLCarriesCredentials(t *testing.T) {
	p := ProxyConfig{Host: "proxy.local", Port: 3128, Username: "u", Password: "p"}
	u := p.URL()
	if u == nil {
		t.Fatalf("配置了代理时 URL 不应为空")
	}
	if u.Host != "proxy.local:3128" {
		t.Fatalf("代理地址错误: %s", u.Host)
	}
	if user := u.User.Username(); user != "u" {
		t.Fatalf("代理用户名错误: %s", user)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			CacheDir:          "./cache",
			HeuristicLifetime: Duration(time.Hour),
			SweepGrace:        Duration(time.Minute),
			ConnectTimeout:    Duration(time.Second),
			RequestTimeout:    Duration(time.Second),
			MaxRetries:        1,
			InitialBackoff:    Duration(time.Second),
		},
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
