package transport

import (
	"net"
	"net/http"
	"time"

	"github.com/dlcache/dlcache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
}

// NewClient 返回共享 http.Client。ConnectTimeout 约束建连，
// RequestTimeout 约束响应头等待；正文读取由调用方的 ctx 控制，
// 避免大文件下载被整体超时误杀。
func NewClient(cfg *config.Config) *http.Client {
	connectTimeout := 3 * time.Second
	headerTimeout := 3 * time.Second
	followRedirects := true
	var proxy config.ProxyConfig

	if cfg != nil {
		if cfg.Global.ConnectTimeout.DurationValue() > 0 {
			connectTimeout = cfg.Global.ConnectTimeout.DurationValue()
		}
		if cfg.Global.RequestTimeout.DurationValue() > 0 {
			headerTimeout = cfg.Global.RequestTimeout.DurationValue()
		}
		followRedirects = cfg.Global.FollowRedirects
		proxy = cfg.Proxy
	}

	transport := defaultTransport.Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = headerTimeout
	if proxy.Configured() {
		transport.Proxy = http.ProxyURL(proxy.URL())
	}

	client := &http.Client{Transport: transport}
	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}
