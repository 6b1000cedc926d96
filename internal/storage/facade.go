package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dlcache/dlcache/internal/cachekey"
	"github.com/dlcache/dlcache/internal/index"
	"github.com/dlcache/dlcache/internal/logging"
	"github.com/dlcache/dlcache/internal/resource"
)

// ErrNotFound 表示请求的缓存条目不存在，调用方应视为 miss 而非致命错误。
var ErrNotFound = errors.New("cache entry not found")

// Options 控制 Facade 的构建，CacheDir 为空时整个缓存层退化为 no-op。
type Options struct {
	CacheDir          string
	HeuristicLifetime time.Duration
	Freshness         FreshnessPolicy
	Logger            *logrus.Logger
	Now               func() time.Time
}

// New 构建缓存门面。磁盘布局固定为：
//
//	<CacheDir>/index/<keyhash>.json   # 键→元数据
//	<CacheDir>/store/<ref>.body      # 已发布正文
//	<CacheDir>/store/<ref>.partial   # 写入中的正文
func New(opts Options) (*Facade, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Freshness == nil {
		opts.Freshness = DefaultFreshnessPolicy(opts.HeuristicLifetime)
	}

	f := &Facade{
		policy: opts.Freshness,
		logger: opts.Logger,
		now:    opts.Now,
	}

	if opts.CacheDir == "" {
		return f, nil
	}

	idx, err := index.Open(filepath.Join(opts.CacheDir, "index"), opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	resources, err := resource.NewStore(filepath.Join(opts.CacheDir, "store"))
	if err != nil {
		return nil, fmt.Errorf("open resource store: %w", err)
	}

	f.index = idx
	f.resources = resources
	return f, nil
}

// Facade 是 HTTP 层与存储引擎之间唯一的入口。
type Facade struct {
	index     *index.Index
	resources *resource.Store
	policy    FreshnessPolicy
	logger    *logrus.Logger
	now       func() time.Time
}

// Enabled 表示缓存目录是否就绪；禁用时所有操作均为 no-op。
func (f *Facade) Enabled() bool {
	return f.index != nil
}

// Index 暴露底层索引，仅供清扫器枚举存活引用。
func (f *Facade) Index() *index.Index {
	return f.index
}

// Resources 暴露底层资源存储，供调用方打开正文与清扫器扫描。
func (f *Facade) Resources() *resource.Store {
	return f.resources
}

// GetEntry 返回键当前已提交的元数据；正文由调用方通过 OpenBody 惰性打开。
func (f *Facade) GetEntry(key cachekey.Key) (index.EntryMetadata, bool) {
	if !f.Enabled() {
		return index.EntryMetadata{}, false
	}
	return f.index.Lookup(key)
}

// Evaluate 基于新鲜度策略把查找结果折算为 Hit/Stale/Miss 三态。
func (f *Facade) Evaluate(key cachekey.Key) (index.EntryMetadata, Outcome) {
	meta, ok := f.GetEntry(key)
	if !ok {
		return index.EntryMetadata{}, OutcomeMiss
	}

	now := f.now()
	lifetime := f.policy(meta, now)
	if age := now.Sub(meta.ResponseDate); age >= 0 && age < lifetime {
		return meta, OutcomeHit
	}
	return meta, OutcomeStale
}

// PutEntry 先把正文流完整写入资源存储并 finalize，再原子提交元数据，
// 保证索引永远不会引用不存在的正文。body 为 nil 或空流时不分配任何资源。
// 被替换的旧正文不在此处删除，由清扫器异步回收。
func (f *Facade) PutEntry(ctx context.Context, key cachekey.Key, meta index.EntryMetadata, body io.Reader) (index.EntryMetadata, error) {
	if !f.Enabled() {
		return meta, nil
	}

	previous, hadPrevious := f.index.Lookup(key)

	// 先探读首字节：空流（包括非 nil 的零字节流）不分配任何资源。
	if body != nil {
		peek := make([]byte, 1)
		n, readErr := body.Read(peek)
		for n == 0 && readErr == nil {
			n, readErr = body.Read(peek)
		}
		switch {
		case n == 0 && errors.Is(readErr, io.EOF):
			body = nil
		case n == 0:
			return index.EntryMetadata{}, fmt.Errorf("stream response body: %w", readErr)
		default:
			body = io.MultiReader(bytes.NewReader(peek[:n]), body)
		}
	}

	meta.BodyRef = ""
	if body != nil {
		writable, err := f.resources.Begin(ctx)
		if err != nil {
			return index.EntryMetadata{}, err
		}

		if _, err := copyWithContext(ctx, writable, body); err != nil {
			if abandonErr := writable.Abandon(); abandonErr != nil {
				f.logger.WithError(abandonErr).Warn("cache_abandon_failed")
			}
			return index.EntryMetadata{}, fmt.Errorf("stream response body: %w", err)
		}

		handle, err := writable.Finalize()
		if err != nil {
			return index.EntryMetadata{}, err
		}
		handle.Close()
		meta.BodyRef = handle.Ref()
	}

	if err := f.index.Commit(ctx, key, meta); err != nil {
		// 已 finalize 的正文成为孤儿，交给清扫器，不在错误路径上二次出错。
		return index.EntryMetadata{}, err
	}

	if hadPrevious && previous.HasBody() && previous.BodyRef != meta.BodyRef {
		f.logger.WithFields(logging.CacheFields(key.Hash(), string(previous.BodyRef), "superseded")).
			Debug("cache_body_superseded")
	}
	return meta, nil
}

// UpdateEntry 用于再验证成功（如 304）后刷新元数据，保留既有正文引用，
// 不触碰资源存储。读取与提交在同一条目锁内完成，不会与同键的 PutEntry
// 交错。键不存在时返回 ErrNotFound。
func (f *Facade) UpdateEntry(ctx context.Context, key cachekey.Key, meta index.EntryMetadata) error {
	if !f.Enabled() {
		return nil
	}

	err := f.index.Update(ctx, key, func(existing index.EntryMetadata) index.EntryMetadata {
		meta.BodyRef = existing.BodyRef
		return meta
	})
	if errors.Is(err, index.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// RemoveEntry 清除键的映射，曾引用的正文留给清扫器回收。
func (f *Facade) RemoveEntry(ctx context.Context, key cachekey.Key) error {
	if !f.Enabled() {
		return nil
	}
	return f.index.Remove(ctx, key)
}

// OpenBody 打开元数据引用的正文读取流；无正文或资源缺失都按 miss 处理。
func (f *Facade) OpenBody(ctx context.Context, meta index.EntryMetadata) (*resource.Handle, error) {
	if !f.Enabled() || !meta.HasBody() {
		return nil, resource.ErrNotFound
	}
	return f.resources.Open(ctx, meta.BodyRef)
}

// copyWithContext 与上游流式拷贝共用的实现，写入过程响应取消。
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
