package index

import (
	"errors"
	"net/textproto"
	"time"

	"github.com/dlcache/dlcache/internal/cachekey"
	"github.com/dlcache/dlcache/internal/resource"
)

// ErrCorruptEntry 表示条目可以反序列化但缺少必要字段，调用方应视为 miss。
var ErrCorruptEntry = errors.New("corrupt index entry")

// ErrNotFound 表示键没有已提交的条目。
var ErrNotFound = errors.New("index entry not found")

// HeaderPair 保留响应头的顺序与重复项，符合 HTTP 语义。
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EntryMetadata 是单个缓存键当前存储的响应元数据。
// BodyRef 非空时必须始终能在资源存储中解析（由提交协议保证）。
type EntryMetadata struct {
	StatusLine   string                  `json:"status_line"`
	Headers      []HeaderPair            `json:"headers,omitempty"`
	RequestDate  time.Time               `json:"request_date"`
	ResponseDate time.Time               `json:"response_date"`
	BodyRef      resource.Ref            `json:"body_ref,omitempty"`
	VariantMap   map[string]cachekey.Key `json:"variant_map,omitempty"`
}

// Validate 做结构性校验，缺失必要字段的条目会被主动清除。
func (m EntryMetadata) Validate() error {
	if m.StatusLine == "" {
		return ErrCorruptEntry
	}
	if m.RequestDate.IsZero() || m.ResponseDate.IsZero() {
		return ErrCorruptEntry
	}
	return nil
}

// Header 返回第一个匹配的响应头值，匹配不区分大小写。
func (m EntryMetadata) Header(name string) string {
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	for _, pair := range m.Headers {
		if textproto.CanonicalMIMEHeaderKey(pair.Name) == canonical {
			return pair.Value
		}
	}
	return ""
}

// HasBody 表示该响应是否携带正文。
func (m EntryMetadata) HasBody() bool {
	return m.BodyRef != ""
}

// entryDocument 是落盘的 JSON 结构，额外携带原始键以便启动时重建镜像。
type entryDocument struct {
	Key  cachekey.Key  `json:"key"`
	Meta EntryMetadata `json:"metadata"`
}
