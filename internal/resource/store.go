package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewStore 以 dir 为正文目录构建资源存储，整个缓存实例复用一份。
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("resource dir required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve resource dir: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create resource dir: %w", err)
	}

	return &Store{
		dir:  abs,
		refs: make(map[Ref]int),
	}, nil
}

// Store 通过内存中的引用计数表管理正文文件生命周期，
// open/release 是计数的唯一入口，文件删除权完全归清扫器。
type Store struct {
	dir string

	mu   sync.Mutex
	refs map[Ref]int
}

// Dir 返回正文目录，供清扫器枚举物理文件。
func (s *Store) Dir() string {
	return s.dir
}

// Begin 分配一个唯一命名的 partial 文件并返回写句柄，读取方此时不可见。
func (s *Store) Begin(ctx context.Context) (*Writable, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ref := Ref(uuid.NewString())
	file, err := os.OpenFile(s.partialPath(ref), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("allocate body resource: %w", err)
	}

	return &Writable{store: s, ref: ref, file: file}, nil
}

// Open 为已 finalize 的资源递增引用计数并返回读取流，
// 未知或未发布的 Ref 返回 ErrNotFound。
func (s *Store) Open(ctx context.Context, ref Ref) (*Handle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if ref == "" {
		return nil, ErrNotFound
	}
	return s.acquire(ref)
}

func (s *Store) acquire(ref Ref) (*Handle, error) {
	file, err := os.Open(s.bodyPath(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open body resource %s: %w", ref, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat body resource %s: %w", ref, err)
	}

	s.mu.Lock()
	s.refs[ref]++
	s.mu.Unlock()

	return &Handle{ref: ref, size: info.Size(), file: file, store: s}, nil
}

func (s *Store) release(ref Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.refs[ref]; n > 1 {
		s.refs[ref] = n - 1
	} else {
		delete(s.refs, ref)
	}
}

// InUse 报告该资源当前是否存在未关闭的读句柄，清扫器据此跳过删除。
func (s *Store) InUse(ref Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[ref] > 0
}

// PhysicalRefs 枚举目录里所有正文文件（含 partial），返回标识、
// 是否已发布与修改时间，供清扫器计算孤儿集合。
func (s *Store) PhysicalRefs() ([]PhysicalRef, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan resource dir: %w", err)
	}

	refs := make([]PhysicalRef, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var ref Ref
		var finalized bool
		switch {
		case strings.HasSuffix(name, bodySuffix):
			ref = Ref(strings.TrimSuffix(name, bodySuffix))
			finalized = true
		case strings.HasSuffix(name, partialSuffix):
			ref = Ref(strings.TrimSuffix(name, partialSuffix))
		default:
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat resource %s: %w", name, err)
		}

		refs = append(refs, PhysicalRef{
			Ref:       ref,
			Finalized: finalized,
			ModTime:   info.ModTime(),
			Path:      filepath.Join(s.dir, name),
		})
	}
	return refs, nil
}

// PhysicalRef 描述目录中一个正文文件的物理状态。
type PhysicalRef struct {
	Ref       Ref
	Finalized bool
	ModTime   time.Time
	Path      string
}

func (s *Store) bodyPath(ref Ref) string {
	return filepath.Join(s.dir, string(ref)+bodySuffix)
}

func (s *Store) partialPath(ref Ref) string {
	return filepath.Join(s.dir, string(ref)+partialSuffix)
}
