package storage

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dlcache/dlcache/internal/index"
)

// Outcome 是缓存查找的三态结果，调用方据此决定直接服务、再验证或回源。
type Outcome int

const (
	// OutcomeMiss 表示没有可用条目，必须完整回源。
	OutcomeMiss Outcome = iota
	// OutcomeHit 表示条目仍然新鲜，可直接从资源存储服务。
	OutcomeHit
	// OutcomeStale 表示条目存在但已过期，应发起条件请求再验证。
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeStale:
		return "stale"
	default:
		return "miss"
	}
}

// FreshnessPolicy 计算条目的新鲜期。公式是可插拔的 HTTP 缓存约定，
// 不属于存储引擎的正确性范畴。
type FreshnessPolicy func(meta index.EntryMetadata, now time.Time) time.Duration

// DefaultFreshnessPolicy 优先尊重显式的 Cache-Control/Expires 指令，
// 上游未声明时退回配置的启发式新鲜期。
func DefaultFreshnessPolicy(heuristicLifetime time.Duration) FreshnessPolicy {
	return func(meta index.EntryMetadata, now time.Time) time.Duration {
		if cc := meta.Header("Cache-Control"); cc != "" {
			if hasDirective(cc, "no-store") || hasDirective(cc, "no-cache") {
				return 0
			}
			if maxAge, ok := maxAgeDirective(cc); ok {
				return maxAge
			}
		}

		if expires := meta.Header("Expires"); expires != "" {
			if at, err := http.ParseTime(expires); err == nil {
				if lifetime := at.Sub(meta.ResponseDate); lifetime > 0 {
					return lifetime
				}
				return 0
			}
		}

		return heuristicLifetime
	}
}

func hasDirective(cacheControl, directive string) bool {
	for _, part := range strings.Split(cacheControl, ",") {
		if strings.EqualFold(strings.TrimSpace(part), directive) {
			return true
		}
	}
	return false
}

func maxAgeDirective(cacheControl string) (time.Duration, bool) {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		value, found := strings.CutPrefix(strings.ToLower(part), "max-age=")
		if !found {
			continue
		}
		seconds, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
