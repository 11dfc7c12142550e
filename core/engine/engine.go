// Package engine 对外的转换引擎：规划、执行、停止与进度查询。
package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"imgconv/core/executor"
	"imgconv/core/imagefmt"
	"imgconv/core/planner"
)

// Options 引擎选项
type Options struct {
	Executor executor.Options
	// TimestampSubdir 目录模式下输出到时间戳子目录
	TimestampSubdir bool
}

// Engine 串联路径规划与批量执行，同一时间只运行一个任务
type Engine struct {
	logger   *zap.Logger
	planner  *planner.Planner
	executor *executor.Executor
	opts     Options

	mu    sync.Mutex
	token *executor.StopToken
}

// New 创建引擎
func New(logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:   logger.Named("engine"),
		planner:  planner.New(logger),
		executor: executor.New(logger, opts.Executor),
		opts:     opts,
	}
}

// Plan 展开输入路径
func (e *Engine) Plan(ctx context.Context, input, output string, format imagefmt.Format, recurse bool) ([]planner.PathPair, error) {
	e.executor.SetState(executor.StatePlanning)
	pairs, err := e.planner.Plan(ctx, planner.Request{
		Input:           input,
		OutputRoot:      output,
		Format:          format,
		Recurse:         recurse,
		TimestampSubdir: e.opts.TimestampSubdir,
	})
	if err != nil {
		e.executor.SetState(executor.StateFailed)
		return nil, err
	}
	return pairs, nil
}

// Run 执行路径对。取消ctx为强制终止，Stop为协作式停止。
func (e *Engine) Run(ctx context.Context, job executor.Job, pairs []planner.PathPair, onProgress executor.ProgressFunc) executor.JobResult {
	token := executor.NewStopToken()
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.token == token {
			e.token = nil
		}
		e.mu.Unlock()
	}()

	return e.executor.Run(ctx, job, pairs, token, onProgress)
}

// PlanAndRun 规划后立即执行，规划失败也以JobResult返回
func (e *Engine) PlanAndRun(ctx context.Context, job executor.Job, onProgress executor.ProgressFunc) executor.JobResult {
	pairs, err := e.Plan(ctx, job.InputPath, job.OutputRoot, job.Format, job.Recurse)
	if err != nil {
		return executor.JobResult{IsError: true, Message: err.Error(), State: executor.StateFailed}
	}
	return e.Run(ctx, job, pairs, onProgress)
}

// Stop 请求停止当前任务，已提交的文件会完成
func (e *Engine) Stop() {
	e.mu.Lock()
	token := e.token
	e.mu.Unlock()
	if token != nil {
		e.logger.Info("请求停止转换")
		token.Stop()
	}
}

// CanConvert 路径是否包含可转换的图片
func (e *Engine) CanConvert(path string) bool {
	return planner.CanConvert(path)
}

// Scan 列出目录中可转换的文件及其格式
func (e *Engine) Scan(ctx context.Context, input string, recurse bool) ([]planner.Candidate, error) {
	return e.planner.Scan(ctx, input, recurse)
}

// Progress 当前进度快照
func (e *Engine) Progress() executor.Progress {
	return e.executor.Progress()
}
