package executor

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"imgconv/core/converter"
	"imgconv/core/errs"
)

// helperEnv 设置后测试二进制作为工作进程运行
const helperEnv = "IMGCONV_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		os.Exit(runHelperWorker())
	}
	os.Exit(m.Run())
}

// runHelperWorker 按输入名模拟成功、失败、卡死与崩溃
func runHelperWorker() int {
	convert := func(ctx context.Context, req converter.Request) converter.Result {
		switch {
		case strings.HasPrefix(req.Input, "sleep"):
			time.Sleep(time.Minute)
		case strings.HasPrefix(req.Input, "crash"):
			os.Exit(3)
		case strings.HasPrefix(req.Input, "fail"):
			return converter.FailedResult(req, errs.Conversion("decode", req.Input, errors.New("corrupt")))
		}
		return converter.Result{ID: req.ID, Input: req.Input, Output: req.Output + "@" + strconv.Itoa(os.Getpid())}
	}
	if err := ServeWorker(context.Background(), os.Stdin, os.Stdout, convert, nil); err != nil {
		return 1
	}
	return 0
}

// 工作进程退出日志可能晚于测试结束，这里不用zaptest
func newHelperRunner(t *testing.T) *ProcessRunner {
	t.Helper()
	r, err := NewProcessRunner(ProcessConfig{Env: []string{helperEnv + "=1"}}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewProcessRunner: %v", err)
	}
	t.Cleanup(func() { r.Close(true) })
	return r
}

func pidOf(t *testing.T, res converter.Result) string {
	t.Helper()
	i := strings.LastIndex(res.Output, "@")
	if i < 0 {
		t.Fatalf("result has no pid: %+v", res)
	}
	return res.Output[i+1:]
}

// TestProcessRunnerReusesWorker 顺序请求复用同一个工作进程
func TestProcessRunnerReusesWorker(t *testing.T) {
	r := newHelperRunner(t)
	ctx := context.Background()

	first := r.Run(ctx, converter.Request{ID: 1, Input: "a", Output: "a.jpg"})
	second := r.Run(ctx, converter.Request{ID: 2, Input: "b", Output: "b.jpg"})
	if first.Failed() || second.Failed() {
		t.Fatalf("results = %+v, %+v", first, second)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Errorf("ids = %d, %d", first.ID, second.ID)
	}
	if pidOf(t, first) != pidOf(t, second) {
		t.Errorf("worker not reused: %s vs %s", first.Output, second.Output)
	}
	if err := r.Close(false); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// TestProcessRunnerFailurePassthrough 工作进程内的失败原样带回
func TestProcessRunnerFailurePassthrough(t *testing.T) {
	r := newHelperRunner(t)
	res := r.Run(context.Background(), converter.Request{Input: "fail.png"})
	if !res.Failed() || res.ErrKind != string(errs.ErrorTypeConversion) || res.Err != "decode: corrupt" {
		t.Fatalf("result = %+v", res)
	}
}

// TestProcessRunnerCrashRespawn 进程崩溃只影响当前文件，下一个任务重启进程
func TestProcessRunnerCrashRespawn(t *testing.T) {
	r := newHelperRunner(t)
	ctx := context.Background()

	crashed := r.Run(ctx, converter.Request{Input: "crash.png"})
	if !crashed.Failed() || !strings.Contains(crashed.Err, "exited unexpectedly") {
		t.Fatalf("crash result = %+v", crashed)
	}
	next := r.Run(ctx, converter.Request{Input: "ok.png", Output: "ok.jpg"})
	if next.Failed() {
		t.Fatalf("result after crash = %+v", next)
	}
}

// TestProcessRunnerTimeout 超时杀掉工作进程并返回文件错误
func TestProcessRunnerTimeout(t *testing.T) {
	r := newHelperRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := r.Run(ctx, converter.Request{Input: "sleep.png"})
	if time.Since(start) > 10*time.Second {
		t.Fatal("timeout did not interrupt the worker")
	}
	if !res.Failed() || !strings.Contains(res.Err, "task timed out") {
		t.Fatalf("result = %+v", res)
	}
	if errors.Is(res.AsError(), errs.ErrCancelled) {
		t.Error("timeout should not be reported as cancellation")
	}
}

// TestProcessRunnerForceClose 强制关闭中断正在执行的任务
func TestProcessRunnerForceClose(t *testing.T) {
	r := newHelperRunner(t)
	done := make(chan converter.Result, 1)
	go func() {
		done <- r.Run(context.Background(), converter.Request{Input: "sleep.png"})
	}()

	time.Sleep(300 * time.Millisecond)
	if err := r.Close(true); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case res := <-done:
		if !res.Failed() {
			t.Fatalf("result = %+v, want failure", res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after forced close")
	}

	after := r.Run(context.Background(), converter.Request{Input: "a"})
	if !after.Failed() || !strings.Contains(after.Err, ErrRunnerClosed.Error()) {
		t.Errorf("run after close = %+v", after)
	}
}

// TestExecutorWithProcessRunner 通过真实工作进程跑完整批次
func TestExecutorWithProcessRunner(t *testing.T) {
	factory := ProcessRunnerFactory(ProcessConfig{Env: []string{helperEnv + "=1"}}, zap.NewNop())
	exec := New(zap.NewNop(), Options{NewRunner: factory})

	res := exec.Run(context.Background(), testJob(2), testPairs("a", "b", "c", "fail-d", "e"), nil, nil)
	if !res.IsError || res.Converted != 4 {
		t.Fatalf("result = %+v", res)
	}
	if want := "1 of 5 files failed; first error: fail-d: decode: corrupt"; res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
}

// TestExecutorForcedWithProcessRunner 强制中断杀掉卡住的工作进程
func TestExecutorForcedWithProcessRunner(t *testing.T) {
	factory := ProcessRunnerFactory(ProcessConfig{Env: []string{helperEnv + "=1"}}, zap.NewNop())
	exec := New(zap.NewNop(), Options{NewRunner: factory})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)

	start := time.Now()
	res := exec.Run(ctx, testJob(2), testPairs("sleep-1", "sleep-2", "sleep-3"), nil, nil)
	if time.Since(start) > 15*time.Second {
		t.Fatal("forced termination did not stop workers")
	}
	if res.Message != MessageForced {
		t.Fatalf("result = %+v", res)
	}
}
