package executor

import "sync"

// StopToken 协作式停止标志，可从任意goroutine多次调用Stop
type StopToken struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// NewStopToken 创建停止标志
func NewStopToken() *StopToken {
	return &StopToken{done: make(chan struct{})}
}

// Stop 请求停止：不再提交新任务，进行中的任务照常完成
func (t *StopToken) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.done)
	}
}

// Stopped 是否已请求停止
func (t *StopToken) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Done 停止时关闭的通道
func (t *StopToken) Done() <-chan struct{} {
	return t.done
}
