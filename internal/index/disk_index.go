package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dlcache/dlcache/internal/cachekey"
	"github.com/dlcache/dlcache/internal/resource"
)

const (
	entrySuffix = ".json"
	// tempPrefix 标记尚未 rename 的提交中间文件，启动时视为崩溃残留。
	tempPrefix = ".entry-"
)

// Open 在 dir 下构建索引，启动时扫描全部条目文件重建内存镜像，
// 损坏的条目在此处被直接清除并记录日志。
func Open(dir string, logger *logrus.Logger) (*Index, error) {
	if dir == "" {
		return nil, errors.New("index dir required")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve index dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	idx := &Index{
		dir:    abs,
		logger: logger,
		mirror: make(map[cachekey.Key]EntryMetadata),
		locks:  make(map[cachekey.Key]*entryLock),
	}
	if err := idx.loadAll(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Index 将键→元数据的映射持久化为目录中的独立 JSON 文件，
// 内存镜像保证 Lookup 只需一次 map 读取。
type Index struct {
	dir    string
	logger *logrus.Logger

	mu     sync.Mutex
	mirror map[cachekey.Key]EntryMetadata
	locks  map[cachekey.Key]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Lookup 返回键当前已提交的元数据，永远不会返回半成品。
func (idx *Index) Lookup(key cachekey.Key) (EntryMetadata, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	meta, ok := idx.mirror[key]
	return meta, ok
}

// Commit 原子地替换或创建键的元数据。写入走临时文件 + rename，
// 崩溃只会留下完整的旧条目或完整的新条目；同键并发提交按完成顺序后者获胜。
func (idx *Index) Commit(ctx context.Context, key cachekey.Key, meta EntryMetadata) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	unlock := idx.lockEntry(key)
	defer unlock()

	return idx.commitLocked(key, meta)
}

// Update 在条目锁内完成读-改-写：fn 收到当前已提交的元数据并返回替换值，
// 读取与落盘之间不会穿插同键的其他提交。键不存在时返回 ErrNotFound。
func (idx *Index) Update(ctx context.Context, key cachekey.Key, fn func(EntryMetadata) EntryMetadata) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	unlock := idx.lockEntry(key)
	defer unlock()

	idx.mu.Lock()
	current, ok := idx.mirror[key]
	idx.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	return idx.commitLocked(key, fn(current))
}

// commitLocked 执行实际的写入，调用方必须已持有 key 的条目锁。
func (idx *Index) commitLocked(key cachekey.Key, meta EntryMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}

	doc := entryDocument{Key: key, Meta: meta}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode index entry: %w", err)
	}

	tempFile, err := os.CreateTemp(idx.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("allocate index temp file: %w", err)
	}
	tempName := tempFile.Name()

	_, writeErr := tempFile.Write(payload)
	if writeErr == nil {
		writeErr = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tempName)
		return fmt.Errorf("write index entry: %w", writeErr)
	}

	if err := os.Rename(tempName, idx.entryPath(key)); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("commit index entry: %w", err)
	}

	idx.mu.Lock()
	idx.mirror[key] = meta
	idx.mu.Unlock()
	return nil
}

// Remove 原子地清除键的映射，曾引用的正文从此变为可回收。
func (idx *Index) Remove(ctx context.Context, key cachekey.Key) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	unlock := idx.lockEntry(key)
	defer unlock()

	if err := os.Remove(idx.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove index entry: %w", err)
	}

	idx.mu.Lock()
	delete(idx.mirror, key)
	idx.mu.Unlock()
	return nil
}

// ForEach 在镜像的一致快照上遍历全部条目，fn 返回 false 时提前结束。
// 快照不与并发提交线性化，但绝不包含半写条目。
func (idx *Index) ForEach(fn func(key cachekey.Key, meta EntryMetadata) bool) {
	idx.mu.Lock()
	snapshot := make(map[cachekey.Key]EntryMetadata, len(idx.mirror))
	for key, meta := range idx.mirror {
		snapshot[key] = meta
	}
	idx.mu.Unlock()

	for key, meta := range snapshot {
		if !fn(key, meta) {
			return
		}
	}
}

// LiveBodyRefs 汇总所有存活条目引用的正文标识，供清扫器做差集。
func (idx *Index) LiveBodyRefs() map[resource.Ref]struct{} {
	live := make(map[resource.Ref]struct{})
	idx.ForEach(func(_ cachekey.Key, meta EntryMetadata) bool {
		if meta.HasBody() {
			live[meta.BodyRef] = struct{}{}
		}
		return true
	})
	return live
}

// lockEntry 与缓存层的写锁语义一致：同键串行、异键并行，锁表按需回收。
func (idx *Index) lockEntry(key cachekey.Key) func() {
	idx.mu.Lock()
	lock := idx.locks[key]
	if lock == nil {
		lock = &entryLock{}
		idx.locks[key] = lock
	}
	lock.refs++
	idx.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		idx.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(idx.locks, key)
		}
		idx.mu.Unlock()
	}
}

func (idx *Index) entryPath(key cachekey.Key) string {
	return filepath.Join(idx.dir, key.Hash()+entrySuffix)
}

// loadAll 重建内存镜像；无法解析或校验失败的文件当场删除。
func (idx *Index) loadAll() error {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		return fmt.Errorf("scan index dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, tempPrefix) {
			// rename 之前崩溃留下的中间文件；目录归本实例独占，启动时直接清掉。
			os.Remove(filepath.Join(idx.dir, name))
			continue
		}
		if !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		path := filepath.Join(idx.dir, name)

		doc, err := readEntry(path)
		if err != nil {
			idx.logger.WithError(err).
				WithField("entry", entry.Name()).
				Warn("index_entry_dropped")
			os.Remove(path)
			continue
		}
		idx.mirror[doc.Key] = doc.Meta
	}
	return nil
}

func readEntry(path string) (entryDocument, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return entryDocument{}, fmt.Errorf("read index entry: %w", err)
	}

	var doc entryDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return entryDocument{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if doc.Key == "" {
		return entryDocument{}, ErrCorruptEntry
	}
	if err := doc.Meta.Validate(); err != nil {
		return entryDocument{}, err
	}
	return doc, nil
}
