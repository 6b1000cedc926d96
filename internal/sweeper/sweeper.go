// Package sweeper reclaims orphaned body files: resources that were finalized
// but lost a commit race, partials left behind by a crash, and bodies whose
// index entry has been removed or replaced. The sweeper holds no timer; the
// caller decides the cadence and triggers sweeps explicitly.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dlcache/dlcache/internal/index"
	"github.com/dlcache/dlcache/internal/resource"
)

// State 描述清扫器的阶段，仅在 Sweep 执行期间离开 Idle。
type State int

const (
	StateIdle State = iota
	StateScanning
	StateReclaiming
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateReclaiming:
		return "reclaiming"
	default:
		return "idle"
	}
}

// ErrSweepInProgress 表示已有一轮清扫在执行，本次触发被拒绝。
var ErrSweepInProgress = errors.New("sweep already in progress")

// Report 汇总一轮清扫的结果，删除失败不致命，下一轮重试。
type Report struct {
	Scanned   int
	Reclaimed int
	Skipped   int
	Failed    int
}

// New 构建清扫器。grace 是文件参与回收前的最小年龄，
// 防止删除正在写入或正在提交的文件。
func New(idx *index.Index, resources *resource.Store, grace time.Duration, logger *logrus.Logger) *Sweeper {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Sweeper{
		index:     idx,
		resources: resources,
		grace:     grace,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweeper 计算「物理存在但无人引用」的正文集合并删除之。
type Sweeper struct {
	index     *index.Index
	resources *resource.Store
	grace     time.Duration
	logger    *logrus.Logger
	now       func() time.Time

	mu    sync.Mutex
	state State
}

// State 返回当前阶段，供诊断输出。
func (s *Sweeper) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sweep 执行一轮 Scanning → Reclaiming 清扫。同一时刻只允许一轮在跑；
// 单个文件删除失败只计数并记录日志，留待下一轮。
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return Report{}, ErrSweepInProgress
	}
	s.state = StateScanning
	s.mu.Unlock()

	defer s.setState(StateIdle)

	var report Report

	physical, err := s.resources.PhysicalRefs()
	if err != nil {
		return report, fmt.Errorf("sweep scan: %w", err)
	}
	report.Scanned = len(physical)

	live := s.index.LiveBodyRefs()
	cutoff := s.now().Add(-s.grace)

	s.setState(StateReclaiming)
	for _, pr := range physical {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if pr.Finalized {
			if _, referenced := live[pr.Ref]; referenced {
				continue
			}
			if s.resources.InUse(pr.Ref) {
				report.Skipped++
				continue
			}
		}
		if pr.ModTime.After(cutoff) {
			// 可能正处于写入或提交窗口内，等年龄超过 grace 再回收。
			report.Skipped++
			continue
		}

		if err := os.Remove(pr.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			report.Failed++
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action":   "sweep_remove_failed",
				"body_ref": string(pr.Ref),
			}).Warn("将在下一轮重试")
			continue
		}
		report.Reclaimed++
	}

	s.logger.WithFields(logrus.Fields{
		"action":    "sweep_completed",
		"scanned":   report.Scanned,
		"reclaimed": report.Reclaimed,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	}).Debug("清扫完成")

	return report, nil
}

func (s *Sweeper) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
