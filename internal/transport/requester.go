package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dlcache/dlcache/internal/cachekey"
	"github.com/dlcache/dlcache/internal/index"
	"github.com/dlcache/dlcache/internal/logging"
	"github.com/dlcache/dlcache/internal/progress"
	"github.com/dlcache/dlcache/internal/resource"
	"github.com/dlcache/dlcache/internal/storage"
)

// errCacheUnavailable 标记存储层故障；下载流程据此降级为直接回源，
// 保证缓存失效只影响性能，不影响结果正确性。
var errCacheUnavailable = errors.New("cache storage unavailable")

// Options 控制 Requester 的构建。
type Options struct {
	Client         *http.Client
	Store          *storage.Facade
	Logger         *logrus.Logger
	Reporter       progress.Reporter
	MaxRetries     int
	InitialBackoff time.Duration
}

// NewRequester 构造下载请求器，缺省使用共享 Client 与丢弃进度的 Reporter。
func NewRequester(opts Options) (*Requester, error) {
	if opts.Store == nil {
		return nil, errors.New("cache facade is required")
	}
	if opts.Client == nil {
		opts.Client = NewClient(nil)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Reporter == nil {
		opts.Reporter = progress.Discard
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}

	return &Requester{
		client:   opts.Client,
		store:    opts.Store,
		logger:   opts.Logger,
		reporter: opts.Reporter,
		retries:  opts.MaxRetries,
		backoff:  opts.InitialBackoff,
	}, nil
}

// Requester 负责 orchestrate “缓存命中 → 条件再验证 → 回源写缓存” 的全流程，
// singleflight 保证同一缓存键的并发下载只回源一次。
type Requester struct {
	client   *http.Client
	store    *storage.Facade
	logger   *logrus.Logger
	reporter progress.Reporter
	retries  int
	backoff  time.Duration
	group    singleflight.Group
}

// DownloadOptions 控制单次下载行为。
type DownloadOptions struct {
	// OutputPath 是最终落盘的目标文件。
	OutputPath string
	// Headers 附加到回源请求上。
	Headers map[string]string
	// SkipCache 为 true 时完全绕过 getEntry/putEntry，仅影响本次请求。
	SkipCache bool
}

// Result 描述一次下载的来源与字节数。
type Result struct {
	FromCache   bool
	Revalidated bool
	Bytes       int64
}

// fetchState 是 singleflight 合并后的共享结果：确保缓存中有当前版本。
type fetchState struct {
	meta        index.EntryMetadata
	fromCache   bool
	revalidated bool
}

// Download 将 rawURL 指向的资源物化到 OutputPath。
// 缓存可用时三态决策：Hit 直接出缓存，Stale 条件回源，Miss 完整回源；
// 存储故障永远降级为直接回源而不是失败。
func (r *Requester) Download(ctx context.Context, rawURL string, opts DownloadOptions) (Result, error) {
	if opts.OutputPath == "" {
		return Result{}, errors.New("output path required")
	}

	if opts.SkipCache || !r.store.Enabled() {
		written, err := r.fetchDirect(ctx, rawURL, opts)
		return Result{Bytes: written}, err
	}

	key := cachekey.Derive(http.MethodGet, rawURL, nil)

	shared, err, _ := r.group.Do(key.Hash(), func() (interface{}, error) {
		return r.ensureCurrent(ctx, key, rawURL, opts.Headers)
	})
	if err != nil {
		if errors.Is(err, errCacheUnavailable) {
			r.logger.WithError(err).
				WithFields(logging.TransferFields(rawURL, 0, false)).
				Warn("cache_degraded")
			written, directErr := r.fetchDirect(ctx, rawURL, opts)
			return Result{Bytes: written}, directErr
		}
		return Result{}, err
	}

	state := shared.(fetchState)
	written, err := r.materialize(ctx, state.meta, opts.OutputPath)
	if errors.Is(err, resource.ErrNotFound) {
		// 索引与资源存储漂移：清掉坏条目后按 miss 重新回源入缓存。
		_ = r.store.RemoveEntry(ctx, key)
		fresh, fetchErr := r.fetchIntoCache(ctx, key, rawURL, opts.Headers)
		if fetchErr != nil {
			if errors.Is(fetchErr, errCacheUnavailable) {
				r.logger.WithError(fetchErr).
					WithFields(logging.TransferFields(rawURL, 0, false)).
					Warn("cache_degraded")
				written, directErr := r.fetchDirect(ctx, rawURL, opts)
				return Result{Bytes: written}, directErr
			}
			return Result{}, fetchErr
		}
		state = fetchState{meta: fresh}
		written, err = r.materialize(ctx, fresh, opts.OutputPath)
	}
	if err != nil {
		return Result{}, err
	}

	r.logger.WithFields(logging.TransferFields(rawURL, written, state.fromCache)).
		WithField("outcome", outcomeLabel(state)).
		Info("download_completed")

	return Result{FromCache: state.fromCache, Revalidated: state.revalidated, Bytes: written}, nil
}

// ensureCurrent 保证缓存里存有 rawURL 的当前版本并返回其元数据。
func (r *Requester) ensureCurrent(ctx context.Context, key cachekey.Key, rawURL string, headers map[string]string) (fetchState, error) {
	meta, outcome := r.store.Evaluate(key)

	switch outcome {
	case storage.OutcomeHit:
		return fetchState{meta: meta, fromCache: true}, nil

	case storage.OutcomeStale:
		return r.revalidate(ctx, key, rawURL, headers, meta)

	default:
		fresh, err := r.fetchIntoCache(ctx, key, rawURL, headers)
		if err != nil {
			return fetchState{}, err
		}
		return fetchState{meta: fresh}, nil
	}
}

// revalidate 发起条件请求；304 时仅刷新元数据并沿用既有正文。
func (r *Requester) revalidate(ctx context.Context, key cachekey.Key, rawURL string, headers map[string]string, stale index.EntryMetadata) (fetchState, error) {
	conditional := make(map[string]string, len(headers)+2)
	for name, value := range headers {
		conditional[name] = value
	}
	if etag := stale.Header("ETag"); etag != "" {
		conditional["If-None-Match"] = etag
	}
	if lastModified := stale.Header("Last-Modified"); lastModified != "" {
		conditional["If-Modified-Since"] = lastModified
	}

	requestDate := time.Now().UTC()
	resp, err := r.doWithRetries(ctx, rawURL, conditional)
	if err != nil {
		return fetchState{}, err
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()

		refreshed := index.EntryMetadata{
			StatusLine:   stale.StatusLine,
			Headers:      mergeHeaders(stale.Headers, resp.Header),
			RequestDate:  requestDate,
			ResponseDate: time.Now().UTC(),
		}
		if err := r.store.UpdateEntry(ctx, key, refreshed); err != nil {
			return fetchState{}, fmt.Errorf("%w: %v", errCacheUnavailable, err)
		}

		current, ok := r.store.GetEntry(key)
		if !ok {
			return fetchState{}, fmt.Errorf("%w: entry vanished after update", errCacheUnavailable)
		}
		return fetchState{meta: current, fromCache: true, revalidated: true}, nil
	}

	return r.storeResponse(ctx, key, rawURL, requestDate, resp)
}

// fetchIntoCache 完整回源并把响应写入缓存。
func (r *Requester) fetchIntoCache(ctx context.Context, key cachekey.Key, rawURL string, headers map[string]string) (index.EntryMetadata, error) {
	requestDate := time.Now().UTC()
	resp, err := r.doWithRetries(ctx, rawURL, headers)
	if err != nil {
		return index.EntryMetadata{}, err
	}

	state, err := r.storeResponse(ctx, key, rawURL, requestDate, resp)
	if err != nil {
		return index.EntryMetadata{}, err
	}
	return state.meta, nil
}

// storeResponse 把成功响应流式写入资源存储并提交索引；非 2xx 不进缓存。
func (r *Requester) storeResponse(ctx context.Context, key cachekey.Key, rawURL string, requestDate time.Time, resp *http.Response) (fetchState, error) {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fetchState{}, fmt.Errorf("unexpected upstream status: %s", resp.Status)
	}

	meta := index.EntryMetadata{
		StatusLine:   resp.Status,
		Headers:      headersFromResponse(resp.Header),
		RequestDate:  requestDate,
		ResponseDate: time.Now().UTC(),
	}

	r.reporter.Initiate(rawURL, resp.ContentLength)
	body := &progressReader{inner: resp.Body, reporter: r.reporter}

	committed, err := r.store.PutEntry(ctx, key, meta, body)
	if err != nil {
		r.reporter.Error(err)
		return fetchState{}, fmt.Errorf("%w: %v", errCacheUnavailable, err)
	}
	r.reporter.Completed()

	return fetchState{meta: committed}, nil
}

// materialize 把缓存正文拷贝到目标文件；无正文条目生成空文件。
func (r *Requester) materialize(ctx context.Context, meta index.EntryMetadata, outputPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}

	var written int64
	if meta.HasBody() {
		handle, openErr := r.store.OpenBody(ctx, meta)
		if openErr != nil {
			out.Close()
			return 0, openErr
		}
		written, err = io.Copy(out, handle)
		handle.Close()
		if err != nil {
			out.Close()
			return written, fmt.Errorf("copy cached body: %w", err)
		}
	}

	if err := out.Close(); err != nil {
		return written, fmt.Errorf("close output file: %w", err)
	}
	return written, nil
}

// fetchDirect 完全绕过缓存，把响应直接流向目标文件。
func (r *Requester) fetchDirect(ctx context.Context, rawURL string, opts DownloadOptions) (int64, error) {
	resp, err := r.doWithRetries(ctx, rawURL, opts.Headers)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected upstream status: %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}

	r.reporter.Initiate(rawURL, resp.ContentLength)
	written, copyErr := io.Copy(out, &progressReader{inner: resp.Body, reporter: r.reporter})
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		r.reporter.Error(copyErr)
		return written, fmt.Errorf("stream to output: %w", copyErr)
	}
	r.reporter.Completed()
	return written, nil
}

// doWithRetries 对网络层错误做指数退避重试；HTTP 状态码不触发重试。
func (r *Requester) doWithRetries(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	var lastErr error
	backoff := r.backoff

	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for name, value := range headers {
			req.Header.Set(name, value)
		}

		resp, err := r.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "fetch_retry",
			"url":     rawURL,
			"attempt": attempt + 1,
		}).Warn("回源失败，准备重试")
	}

	return nil, fmt.Errorf("fetch %s: %w", rawURL, lastErr)
}

// headersFromResponse 保留重复响应头，顺序按 Go 的 header map 遍历。
func headersFromResponse(header http.Header) []index.HeaderPair {
	pairs := make([]index.HeaderPair, 0, len(header))
	for name, values := range header {
		for _, value := range values {
			pairs = append(pairs, index.HeaderPair{Name: name, Value: value})
		}
	}
	return pairs
}

// mergeHeaders 在 304 之后用响应携带的头覆盖存量同名头，其余保持不变。
func mergeHeaders(stored []index.HeaderPair, fresh http.Header) []index.HeaderPair {
	merged := make([]index.HeaderPair, 0, len(stored)+len(fresh))
	for _, pair := range stored {
		if _, replaced := fresh[http.CanonicalHeaderKey(pair.Name)]; replaced {
			continue
		}
		merged = append(merged, pair)
	}
	for name, values := range fresh {
		for _, value := range values {
			merged = append(merged, index.HeaderPair{Name: name, Value: value})
		}
	}
	return merged
}

func outcomeLabel(state fetchState) string {
	switch {
	case state.revalidated:
		return "revalidated"
	case state.fromCache:
		return "hit"
	default:
		return "fetched"
	}
}

// progressReader 在读取上游正文时驱动进度回调。
type progressReader struct {
	inner    io.Reader
	reporter progress.Reporter
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.inner.Read(b)
	if n > 0 {
		p.reporter.Update(int64(n))
	}
	return n, err
}
