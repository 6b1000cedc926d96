// Package progress exposes transfer progress callbacks for the download layer.
package progress

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Reporter 接收一次传输的生命周期回调；实现必须容忍 Update 的高频调用。
type Reporter interface {
	Initiate(url string, contentLength int64)
	Update(bytesRead int64)
	Completed()
	Error(err error)
}

// NewLogReporter 返回基于结构化日志的进度上报器。
func NewLogReporter(logger *logrus.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// LogReporter 在传输开始/结束时输出结构化日志，中途只累积字节数。
type LogReporter struct {
	logger      *logrus.Logger
	url         string
	total       int64
	transferred atomic.Int64
}

func (r *LogReporter) Initiate(url string, contentLength int64) {
	r.url = url
	r.total = contentLength
	r.transferred.Store(0)
	r.logger.WithFields(logrus.Fields{
		"action": "transfer_start",
		"url":    url,
		"length": contentLength,
	}).Debug("开始下载")
}

func (r *LogReporter) Update(bytesRead int64) {
	r.transferred.Add(bytesRead)
}

func (r *LogReporter) Completed() {
	r.logger.WithFields(logrus.Fields{
		"action": "transfer_completed",
		"url":    r.url,
		"bytes":  r.transferred.Load(),
	}).Info("下载完成")
}

func (r *LogReporter) Error(err error) {
	r.logger.WithError(err).WithFields(logrus.Fields{
		"action": "transfer_failed",
		"url":    r.url,
		"bytes":  r.transferred.Load(),
	}).Warn("下载中断")
}

// Discard 是不做任何事的 Reporter，供测试与禁用进度的场景使用。
var Discard Reporter = noopReporter{}

type noopReporter struct{}

func (noopReporter) Initiate(string, int64) {}
func (noopReporter) Update(int64)           {}
func (noopReporter) Completed()             {}
func (noopReporter) Error(error)            {}
