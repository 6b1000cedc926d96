// Package cachekey derives deterministic cache keys from HTTP requests. A key
// is an opaque string computed from the method, the normalized request URI and
// any variant headers that participate in content negotiation, so that two
// logically identical requests always map to the same on-disk entry. Keys are
// also safe to embed in file names because only their hash ever touches the
// filesystem.
package cachekey

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// Key 是请求的确定性标识，等值判断按字节精确比较。
type Key string

// Derive 根据方法、URI 与 variant 头派生缓存键。variant 头会按名称排序后
// 参与计算，保证头部顺序不影响键值。
func Derive(method, rawURL string, variantHeaders map[string]string) Key {
	var b strings.Builder
	b.WriteString(strings.ToUpper(strings.TrimSpace(method)))
	b.WriteByte('\n')
	b.WriteString(normalizeURL(rawURL))

	if len(variantHeaders) > 0 {
		normalized := make(map[string]string, len(variantHeaders))
		names := make([]string, 0, len(variantHeaders))
		for name, value := range variantHeaders {
			lower := strings.ToLower(strings.TrimSpace(name))
			normalized[lower] = strings.TrimSpace(value)
			names = append(names, lower)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteByte('\n')
			b.WriteString(name)
			b.WriteByte(':')
			b.WriteString(normalized[name])
		}
	}

	return Key(b.String())
}

// Hash 返回键的 blake3 十六进制摘要，供索引与资源层用作文件名。
func (k Key) Hash() string {
	sum := blake3.Sum256([]byte(k))
	return hex.EncodeToString(sum[:])
}

// String 实现 fmt.Stringer，日志中直接输出原始键。
func (k Key) String() string {
	return string(k)
}

// normalizeURL 统一 scheme/host 大小写并去掉默认端口与空查询，
// 解析失败时原样返回，保证派生始终可用。
func normalizeURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)

	switch {
	case parsed.Scheme == "http" && strings.HasSuffix(parsed.Host, ":80"):
		parsed.Host = strings.TrimSuffix(parsed.Host, ":80")
	case parsed.Scheme == "https" && strings.HasSuffix(parsed.Host, ":443"):
		parsed.Host = strings.TrimSuffix(parsed.Host, ":443")
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	}
	parsed.Fragment = ""

	return parsed.String()
}
