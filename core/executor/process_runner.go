package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"imgconv/core/converter"
	"imgconv/core/errs"
)

// ErrRunnerClosed Runner已关闭
var ErrRunnerClosed = errors.New("runner is closed")

// ProcessConfig 工作进程的启动方式
type ProcessConfig struct {
	// Executable 为空时使用当前可执行文件
	Executable string
	Args       []string
	Env        []string
	// Stderr 工作进程日志输出，默认继承父进程
	Stderr io.Writer
}

// ProcessRunner 维护长驻的工作进程，请求与结果以JSON行在stdin/stdout上传递
type ProcessRunner struct {
	config ProcessConfig
	logger *zap.Logger

	mu     sync.Mutex
	idle   []*workerProcess
	all    map[*workerProcess]struct{}
	closed bool
}

type workerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	dec    *json.Decoder
	exited chan struct{}
}

// NewProcessRunner 创建多进程Runner，进程按需启动
func NewProcessRunner(config ProcessConfig, logger *zap.Logger) (*ProcessRunner, error) {
	if config.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		config.Executable = exe
	}
	if config.Stderr == nil {
		config.Stderr = os.Stderr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRunner{
		config: config,
		logger: logger.Named("process_runner"),
		all:    make(map[*workerProcess]struct{}),
	}, nil
}

// ProcessRunnerFactory 每次任务创建独立的进程集合
func ProcessRunnerFactory(config ProcessConfig, logger *zap.Logger) RunnerFactory {
	return func(int) (Runner, error) {
		return NewProcessRunner(config, logger)
	}
}

func (r *ProcessRunner) spawn() (*workerProcess, error) {
	cmd := exec.Command(r.config.Executable, r.config.Args...)
	cmd.Env = append(os.Environ(), r.config.Env...)
	cmd.Stderr = r.config.Stderr
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	p := &workerProcess{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		dec:    json.NewDecoder(bufio.NewReader(stdout)),
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		r.logger.Debug("工作进程退出", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		close(p.exited)
	}()
	r.logger.Debug("启动工作进程", zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// acquire 取一个空闲进程，没有则启动新进程
func (r *ProcessRunner) acquire() (*workerProcess, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	if n := len(r.idle); n > 0 {
		p := r.idle[n-1]
		r.idle = r.idle[:n-1]
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	p, err := r.spawn()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		killProcess(p.cmd)
		return nil, ErrRunnerClosed
	}
	r.all[p] = struct{}{}
	return p, nil
}

// release 归还进程；Runner已关闭时让进程在读到EOF后退出
func (r *ProcessRunner) release(p *workerProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		p.stdin.Close()
		return
	}
	r.idle = append(r.idle, p)
}

// discard 终止并丢弃进程，下一个任务会按需重启
func (r *ProcessRunner) discard(p *workerProcess) {
	r.mu.Lock()
	delete(r.all, p)
	r.mu.Unlock()
	killProcess(p.cmd)
	p.stdin.Close()
}

type reply struct {
	res converter.Result
	err error
}

// Run 把请求交给一个工作进程并等待结果
func (r *ProcessRunner) Run(ctx context.Context, req converter.Request) converter.Result {
	p, err := r.acquire()
	if err != nil {
		return converter.FailedResult(req, errs.New(errs.ErrorTypeConversion, "start worker", req.Input, err))
	}

	replies := make(chan reply, 1)
	go func() {
		if err := p.enc.Encode(req); err != nil {
			replies <- reply{err: err}
			return
		}
		var res converter.Result
		err := p.dec.Decode(&res)
		replies <- reply{res: res, err: err}
	}()

	select {
	case rep := <-replies:
		if rep.err != nil {
			r.discard(p)
			r.logger.Warn("工作进程异常退出", zap.String("file", req.Input), zap.Error(rep.err))
			return converter.FailedResult(req, errs.New(errs.ErrorTypeConversion, "worker", req.Input,
				fmt.Errorf("worker process exited unexpectedly: %w", rep.err)))
		}
		r.release(p)
		return rep.res
	case <-ctx.Done():
		r.discard(p)
		<-replies
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return converter.FailedResult(req, errs.New(errs.ErrorTypeConversion, "convert", req.Input,
				fmt.Errorf("task timed out: %w", ctx.Err())))
		}
		return converter.FailedResult(req, errs.New(errs.ErrorTypeCancelled, "convert", req.Input, ctx.Err()))
	}
}

// Close 优雅关闭时关闭stdin让进程自行退出，强制关闭时杀掉进程组
func (r *ProcessRunner) Close(force bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	procs := make([]*workerProcess, 0, len(r.all))
	for p := range r.all {
		procs = append(procs, p)
	}
	r.idle = nil
	r.mu.Unlock()

	for _, p := range procs {
		if force {
			killProcess(p.cmd)
		}
		p.stdin.Close()
	}
	for _, p := range procs {
		select {
		case <-p.exited:
		case <-time.After(5 * time.Second):
			r.logger.Warn("工作进程未按时退出，强制终止", zap.Int("pid", p.cmd.Process.Pid))
			killProcess(p.cmd)
			<-p.exited
		}
	}
	return nil
}
