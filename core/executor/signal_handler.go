package executor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// SignalHandlerConfig 信号处理器配置
type SignalHandlerConfig struct {
	// MaxInterrupts 达到该次数时直接退出进程
	MaxInterrupts int
	BufferSize    int
	Signals       []os.Signal
}

// DefaultSignalHandlerConfig 返回默认配置
func DefaultSignalHandlerConfig() SignalHandlerConfig {
	return SignalHandlerConfig{
		MaxInterrupts: 2,
		BufferSize:    1,
		Signals:       []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// SignalHandler 把中断信号转换为上下文取消。第一次中断强制终止当前批次，
// 再次中断立即退出进程。
type SignalHandler struct {
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	sigChan chan os.Signal
	stop    chan struct{}
	config  SignalHandlerConfig
	exit    func(code int)

	mutex          sync.Mutex
	started        bool
	stopped        bool
	interruptCount int
}

// NewSignalHandler 创建信号处理器，返回的上下文在收到中断时被取消
func NewSignalHandler(parent context.Context, logger *zap.Logger) *SignalHandler {
	return NewSignalHandlerWithConfig(parent, logger, DefaultSignalHandlerConfig())
}

// NewSignalHandlerWithConfig 使用配置创建信号处理器
func NewSignalHandlerWithConfig(parent context.Context, logger *zap.Logger, config SignalHandlerConfig) *SignalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxInterrupts < 1 {
		config.MaxInterrupts = 1
	}
	if config.BufferSize < 1 {
		config.BufferSize = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &SignalHandler{
		logger:  logger.Named("signal"),
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, config.BufferSize),
		stop:    make(chan struct{}),
		config:  config,
		exit:    os.Exit,
	}
}

// Context 收到中断时被取消的上下文
func (sh *SignalHandler) Context() context.Context {
	return sh.ctx
}

// Start 启动信号监听
func (sh *SignalHandler) Start() {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	if sh.started || sh.stopped {
		return
	}
	sh.started = true
	signal.Notify(sh.sigChan, sh.config.Signals...)
	go sh.handleSignals()
}

// Stop 停止监听并释放上下文
func (sh *SignalHandler) Stop() {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	if sh.stopped {
		return
	}
	sh.stopped = true
	signal.Stop(sh.sigChan)
	close(sh.stop)
	sh.cancel()
}

// Interrupted 是否收到过中断
func (sh *SignalHandler) Interrupted() bool {
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	return sh.interruptCount > 0
}

func (sh *SignalHandler) handleSignals() {
	for {
		select {
		case sig := <-sh.sigChan:
			sh.handleInterrupt(sig)
		case <-sh.stop:
			return
		}
	}
}

// handleInterrupt 第一次中断取消上下文，达到上限时退出进程
func (sh *SignalHandler) handleInterrupt(sig os.Signal) {
	sh.mutex.Lock()
	sh.interruptCount++
	count := sh.interruptCount
	sh.mutex.Unlock()

	if count >= sh.config.MaxInterrupts && count > 1 {
		sh.logger.Warn("达到最大中断次数，强制退出程序", zap.String("signal", sig.String()))
		sh.exit(1)
		return
	}

	sh.logger.Warn("收到中断信号，正在终止转换，再次中断将直接退出", zap.String("signal", sig.String()))
	sh.cancel()
}
