package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"imgconv/core/converter"
	"imgconv/core/errs"
)

// Pool 固定槽位的任务池，每个槽位在Runner上执行一个任务
type Pool struct {
	pool    *ants.Pool
	runner  Runner
	logger  *zap.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool 创建任务池，timeout为0表示单任务不限时
func NewPool(workers int, runner Runner, timeout time.Duration, logger *zap.Logger) (*Pool, error) {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(workers, ants.WithOptions(ants.Options{
		ExpiryDuration: time.Minute,
		PreAlloc:       true,
	}))
	if err != nil {
		return nil, fmt.Errorf("创建工作器池失败: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		pool:    pool,
		runner:  runner,
		logger:  logger.Named("pool"),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Submit 提交任务，完成后以结果调用done（在池的goroutine中）
func (p *Pool) Submit(req converter.Request, done func(converter.Result)) error {
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		done(p.execute(req))
	})
	if err != nil {
		p.wg.Done()
		return fmt.Errorf("提交任务失败: %w", err)
	}
	return nil
}

func (p *Pool) execute(req converter.Request) (res converter.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("任务执行panic", zap.String("file", req.Input), zap.Any("panic", r))
			res = converter.FailedResult(req, errs.New(errs.ErrorTypeConversion, "convert", req.Input, fmt.Errorf("panic: %v", r)))
		}
	}()

	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.runner.Run(ctx, req)
}

// Running 正在执行的任务数
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Drain 等待所有已提交任务结束
func (p *Pool) Drain() {
	p.wg.Wait()
}

// Cancel 关闭任务池。force为true时先中断进行中的任务。
func (p *Pool) Cancel(force bool) {
	p.once.Do(func() {
		if force {
			p.cancel()
			// 进程组在Runner关闭时一并终止
			if err := p.runner.Close(true); err != nil {
				p.logger.Warn("关闭Runner失败", zap.Error(err))
			}
		}
		p.Drain()
		if !force {
			if err := p.runner.Close(false); err != nil {
				p.logger.Warn("关闭Runner失败", zap.Error(err))
			}
		}
		p.cancel()
		p.pool.Release()
	})
}
