package resource

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Ref 是正文文件的不透明标识，与缓存键无关，可安全用作文件名。
type Ref string

const (
	// bodySuffix 标记已 finalize 的正文文件。
	bodySuffix = ".body"
	// partialSuffix 标记仍在写入、对读取方不可见的文件。
	partialSuffix = ".partial"
)

// ErrNotFound 表示 Ref 未对应任何已 finalize 的资源。
var ErrNotFound = errors.New("body resource not found")

// ErrFinalized 表示写句柄已经结束写入，不能再次使用。
var ErrFinalized = errors.New("resource already finalized or abandoned")

// Writable 是一次下载期间的写入句柄，finalize 之前对读取方不可见。
type Writable struct {
	store *Store
	ref   Ref
	file  *os.File
	done  bool
}

// Ref 返回该资源的标识，finalize 之后索引条目通过它引用正文。
func (w *Writable) Ref() Ref {
	return w.ref
}

// Write 将字节追加到底层文件，可多次调用，整个正文无需驻留内存。
func (w *Writable) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrFinalized
	}
	n, err := w.file.Write(p)
	if err != nil {
		return n, fmt.Errorf("write body resource %s: %w", w.ref, err)
	}
	return n, nil
}

// Finalize 刷盘并发布资源，返回引用计数为 1 的读句柄。
// 任何一步失败都会留下 partial 文件交给清扫器，绝不发布半成品。
func (w *Writable) Finalize() (*Handle, error) {
	if w.done {
		return nil, ErrFinalized
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return nil, fmt.Errorf("sync body resource %s: %w", w.ref, err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("close body resource %s: %w", w.ref, err)
	}
	if err := os.Rename(w.store.partialPath(w.ref), w.store.bodyPath(w.ref)); err != nil {
		return nil, fmt.Errorf("publish body resource %s: %w", w.ref, err)
	}

	return w.store.acquire(w.ref)
}

// Abandon 丢弃未 finalize 的资源并立即删除 partial 文件。
// 调用方取消下载时必须调用它，而不是等待清扫器。
func (w *Writable) Abandon() error {
	if w.done {
		return nil
	}
	w.done = true

	closeErr := w.file.Close()
	removeErr := os.Remove(w.store.partialPath(w.ref))
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf("abandon body resource %s: %w", w.ref, removeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("abandon body resource %s: %w", w.ref, closeErr)
	}
	return nil
}

// Handle 是 finalize 后正文的只读视图，Close 负责归还引用计数。
type Handle struct {
	ref    Ref
	size   int64
	file   *os.File
	store  *Store
	closed sync.Once
}

// Ref 返回资源标识。
func (h *Handle) Ref() Ref {
	return h.ref
}

// Size 返回正文字节数。
func (h *Handle) Size() int64 {
	return h.size
}

// Read 实现 io.Reader。
func (h *Handle) Read(p []byte) (int, error) {
	return h.file.Read(p)
}

// Seek 实现 io.Seeker，便于调用方重放正文。
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	return h.file.Seek(offset, whence)
}

// Close 关闭读取流并递减引用计数；计数归零仅代表可回收，不触发删除。
func (h *Handle) Close() error {
	var err error
	h.closed.Do(func() {
		err = h.file.Close()
		h.store.release(h.ref)
	})
	return err
}

var _ io.ReadSeekCloser = (*Handle)(nil)
