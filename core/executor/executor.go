// Package executor 批量转换的调度：有界并发、协作式停止、强制中断与进度上报。
package executor

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"imgconv/core/compositor"
	"imgconv/core/converter"
	"imgconv/core/errs"
	"imgconv/core/imagefmt"
	"imgconv/core/planner"
	"imgconv/core/state"
)

// State 任务状态
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

// String 返回状态字符串
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal 是否为终止状态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// 终止消息
const (
	MessageNothingToConvert = "nothing to convert"
	MessageForced           = "conversion was forcibly terminated"
)

// Job 一次批量转换的参数，提交后不再修改
type Job struct {
	InputPath        string
	OutputRoot       string
	Recurse          bool
	Format           imagefmt.Format
	Quality          int
	Lossless         bool
	FillTransparency bool
	FillColor        color.NRGBA
	Workers          int
}

// Validate 检查参数范围
func (j Job) Validate() error {
	if _, err := imagefmt.ParseFormat(string(j.Format)); err != nil {
		return err
	}
	if j.Quality < 0 || j.Quality > 100 {
		return fmt.Errorf("quality %d out of range 0..100", j.Quality)
	}
	if j.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", j.Workers)
	}
	return nil
}

func (j Job) request(id uint64, pair planner.PathPair) converter.Request {
	return converter.Request{
		ID:               id,
		Input:            pair.Input,
		Output:           pair.Output,
		Format:           j.Format.String(),
		Quality:          j.Quality,
		Lossless:         j.Lossless,
		FillTransparency: j.FillTransparency,
		FillColor:        compositor.HexColor(j.FillColor),
	}
}

// Progress 任务进度快照
type Progress struct {
	Completed int
	Total     int
	State     State
}

// ProgressFunc 每完成一个文件调用一次，在调度goroutine中执行
type ProgressFunc func(completed, total int)

// FileFailure 单文件失败详情
type FileFailure struct {
	Input  string
	Output string
	Err    error
}

// JobResult 任务结果
type JobResult struct {
	IsError   bool
	Message   string
	State     State
	Converted int
	Skipped   int
	Failures  []FileFailure
	Duration  time.Duration
}

// Options 执行器选项
type Options struct {
	// NewRunner 为每次任务创建后端，默认需要显式提供
	NewRunner RunnerFactory
	// TaskTimeout 单文件超时，0表示不限
	TaskTimeout time.Duration
	// Journal 可选的历史记录
	Journal *state.Journal
}

// Executor 批量执行器
type Executor struct {
	logger *zap.Logger
	opts   Options

	mu       sync.Mutex
	progress Progress
}

// New 创建执行器
func New(logger *zap.Logger, opts Options) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger.Named("executor"), opts: opts}
}

// Progress 返回当前进度
func (e *Executor) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// SetState 由外部调用方标记规划等阶段
func (e *Executor) SetState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress.State = s
}

func (e *Executor) setProgress(completed, total int, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = Progress{Completed: completed, Total: total, State: s}
}

// run 调度期间的累计状态
type run struct {
	total      int
	completed  int
	converted  int
	skipped    int
	failures   []FileFailure
	permission *FileFailure
}

// Run 执行全部路径对并返回终止结果
func (e *Executor) Run(ctx context.Context, job Job, pairs []planner.PathPair, token *StopToken, onProgress ProgressFunc) JobResult {
	start := time.Now()
	if token == nil {
		token = NewStopToken()
	}
	r := &run{total: len(pairs)}
	e.setProgress(0, r.total, StateRunning)

	if r.total == 0 {
		return e.finish(r, StateCompleted, MessageNothingToConvert, start)
	}
	if err := job.Validate(); err != nil {
		return e.finish(r, StateFailed, err.Error(), start)
	}
	if e.opts.NewRunner == nil {
		return e.finish(r, StateFailed, "no conversion runner configured", start)
	}

	runner, err := e.opts.NewRunner(job.Workers)
	if err != nil {
		return e.finish(r, StateFailed, fmt.Sprintf("start workers: %v", err), start)
	}
	pool, err := NewPool(job.Workers, runner, e.opts.TaskTimeout, e.logger)
	if err != nil {
		runner.Close(true)
		return e.finish(r, StateFailed, err.Error(), start)
	}

	e.startJournal(job, r.total)
	e.logger.Info("开始批量转换",
		zap.Int("files", r.total),
		zap.Int("workers", job.Workers),
		zap.String("format", job.Format.String()))

	results := make(chan converter.Result, job.Workers)
	done := ctx.Done()
	forced := false
	next, inflight := 0, 0

	for {
		for inflight < job.Workers && next < r.total && !forced && !token.Stopped() {
			req := job.request(uint64(next), pairs[next])
			next++
			if err := pool.Submit(req, func(res converter.Result) { results <- res }); err != nil {
				e.record(r, converter.FailedResult(req, err))
				e.report(r, onProgress)
				continue
			}
			inflight++
		}
		if inflight == 0 {
			break
		}

		select {
		case res := <-results:
			inflight--
			e.record(r, res)
			e.report(r, onProgress)
		case <-done:
			e.logger.Warn("收到强制中断，终止所有工作进程", zap.Int("in_flight", inflight))
			forced = true
			done = nil
			// results的容量不小于在途任务数，Cancel排空时不会阻塞
			pool.Cancel(true)
		}
	}
	if !forced {
		pool.Cancel(false)
	}

	switch {
	case forced:
		return e.finish(r, StateFailed, MessageForced, start)
	case r.permission != nil:
		return e.finish(r, StateFailed, fmt.Sprintf("permission denied: %s: %s", r.permission.Input, causeMessage(r.permission.Err)), start)
	case len(r.failures) > 0:
		first := r.failures[0]
		return e.finish(r, StateFailed, fmt.Sprintf("%d of %d files failed; first error: %s: %s", len(r.failures), r.total, first.Input, causeMessage(first.Err)), start)
	case next < r.total:
		return e.finish(r, StateCancelled, fmt.Sprintf("conversion stopped: %d of %d files processed", r.completed, r.total), start)
	}
	msg := fmt.Sprintf("converted %d files", r.converted)
	if r.skipped > 0 {
		msg += fmt.Sprintf(", skipped %d animated", r.skipped)
	}
	return e.finish(r, StateCompleted, msg, start)
}

// record 汇总单个结果
func (e *Executor) record(r *run, res converter.Result) {
	r.completed++
	status := state.StatusCompleted
	var fileErr error
	switch {
	case res.Failed():
		status = state.StatusFailed
		fileErr = res.AsError()
		failure := FileFailure{Input: res.Input, Output: res.Output, Err: fileErr}
		r.failures = append(r.failures, failure)
		if errors.Is(fileErr, errs.ErrPermission) && r.permission == nil {
			r.permission = &failure
		}
	case res.Skipped:
		status = state.StatusSkipped
		r.skipped++
	default:
		r.converted++
	}
	if e.opts.Journal != nil {
		if err := e.opts.Journal.RecordFile(res.Input, res.Output, status, fileErr); err != nil {
			e.logger.Warn("写入历史记录失败", zap.String("file", res.Input), zap.Error(err))
		}
	}
}

func (e *Executor) report(r *run, onProgress ProgressFunc) {
	e.setProgress(r.completed, r.total, StateRunning)
	if onProgress != nil {
		onProgress(r.completed, r.total)
	}
}

func (e *Executor) startJournal(job Job, total int) {
	if e.opts.Journal == nil {
		return
	}
	info := state.JobInfo{Input: job.InputPath, OutputRoot: job.OutputRoot, Format: job.Format.String(), Workers: job.Workers}
	if _, err := e.opts.Journal.StartSession(info, total); err != nil {
		e.logger.Warn("创建历史会话失败", zap.Error(err))
	}
}

func (e *Executor) finish(r *run, s State, message string, start time.Time) JobResult {
	e.setProgress(r.completed, r.total, s)
	if e.opts.Journal != nil && r.total > 0 {
		if err := e.opts.Journal.FinishSession(s.String(), message); err != nil && !errors.Is(err, state.ErrNoSession) {
			e.logger.Warn("结束历史会话失败", zap.Error(err))
		}
	}

	res := JobResult{
		IsError:   s == StateFailed,
		Message:   message,
		State:     s,
		Converted: r.converted,
		Skipped:   r.skipped,
		Failures:  r.failures,
		Duration:  time.Since(start),
	}
	fields := []zap.Field{
		zap.String("state", s.String()),
		zap.Int("converted", r.converted),
		zap.Int("skipped", r.skipped),
		zap.Int("failed", len(r.failures)),
		zap.Duration("elapsed", res.Duration),
	}
	if res.IsError {
		e.logger.Error("批量转换结束: "+message, fields...)
	} else {
		e.logger.Info("批量转换结束: "+message, fields...)
	}
	return res
}

// causeMessage 去掉类型前缀，只保留底层原因
func causeMessage(err error) string {
	var typed *errs.Error
	if errors.As(err, &typed) && typed.Cause != nil {
		return typed.Cause.Error()
	}
	return err.Error()
}

// Summary 多行摘要，列出失败文件
func (r JobResult) Summary() string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, f := range r.Failures {
		b.WriteString("\n  ")
		b.WriteString(f.Input)
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}
