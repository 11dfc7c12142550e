package executor

import (
	"context"

	"imgconv/core/converter"
)

// Runner 执行单个转换任务的后端
type Runner interface {
	Run(ctx context.Context, req converter.Request) converter.Result
	// Close 释放后端资源，force为true时立即终止仍在运行的任务
	Close(force bool) error
}

// RunnerFactory 按并发数创建Runner
type RunnerFactory func(workers int) (Runner, error)

// LocalRunner 在当前进程内转换
type LocalRunner struct {
	conv *converter.Converter
}

// NewLocalRunner 创建进程内Runner
func NewLocalRunner(conv *converter.Converter) *LocalRunner {
	return &LocalRunner{conv: conv}
}

// Run 直接调用转换器
func (r *LocalRunner) Run(ctx context.Context, req converter.Request) converter.Result {
	return r.conv.Convert(ctx, req)
}

// Close 进程内没有需要释放的资源
func (r *LocalRunner) Close(bool) error {
	return nil
}

// LocalRunnerFactory 所有槽位共用一个转换器
func LocalRunnerFactory(conv *converter.Converter) RunnerFactory {
	return func(int) (Runner, error) {
		return NewLocalRunner(conv), nil
	}
}
