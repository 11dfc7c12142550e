package cmd

import (
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"imgconv/config"
	"imgconv/core/executor"
	"imgconv/core/imagefmt"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Conversion.Format = "jpg"
	cfg.Conversion.Quality = 70
	cfg.Conversion.FillColor = "#000000"
	cfg.Concurrency.Workers = 3
	return cfg
}

// TestDefaultOutputRoot 目录输入输出到converted子目录，文件输入输出到同目录
func TestDefaultOutputRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.png")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := defaultOutputRoot(dir); got != filepath.Join(dir, "converted") {
		t.Errorf("dir: got %s", got)
	}
	if got := defaultOutputRoot(file); got != dir {
		t.Errorf("file: got %s", got)
	}
}

// TestBuildJobFromConfig 未指定参数时使用配置文件的值
func TestBuildJobFromConfig(t *testing.T) {
	t.Setenv("CI", "1")
	dir := t.TempDir()
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(convertCmd.Flags())

	job, err := buildJob(cmd, testConfig(), dir)
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}
	if job.Format != imagefmt.JPEG || job.Quality != 70 || job.Workers != 3 {
		t.Errorf("job = %+v", job)
	}
	if job.FillColor != (color.NRGBA{A: 0xFF}) {
		t.Errorf("fill = %v", job.FillColor)
	}
	if job.OutputRoot != filepath.Join(dir, "converted") {
		t.Errorf("output = %s", job.OutputRoot)
	}
}

// TestBuildJobFlagsOverride 命令行参数覆盖配置
func TestBuildJobFlagsOverride(t *testing.T) {
	saved := convertOpts
	t.Cleanup(func() { convertOpts = saved })

	cmd := &cobra.Command{}
	var opts convertOptions
	f := cmd.Flags()
	f.StringVarP(&opts.format, "format", "f", "", "")
	f.IntVarP(&opts.quality, "quality", "q", 0, "")
	f.IntVarP(&opts.workers, "workers", "w", 0, "")
	f.StringVarP(&opts.output, "output", "o", "", "")
	out := t.TempDir()
	if err := f.Parse([]string{"-f", "webp", "-q", "55", "-w", "2", "-o", out}); err != nil {
		t.Fatal(err)
	}
	convertOpts = opts

	job, err := buildJob(cmd, testConfig(), t.TempDir())
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}
	if job.Format != imagefmt.WEBP || job.Quality != 55 || job.Workers != 2 || job.OutputRoot != out {
		t.Errorf("job = %+v", job)
	}
}

// TestBuildJobRejectsBadFlags 非法参数直接报错
func TestBuildJobRejectsBadFlags(t *testing.T) {
	t.Setenv("CI", "1")
	saved := convertOpts
	t.Cleanup(func() { convertOpts = saved })

	tests := []struct {
		name string
		args []string
	}{
		{"格式", []string{"-f", "gif"}},
		{"质量", []string{"-q", "101"}},
		{"并发", []string{"-w", "0"}},
		{"填充色", []string{"--fill-color", "white"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			var opts convertOptions
			f := cmd.Flags()
			f.StringVarP(&opts.format, "format", "f", "", "")
			f.IntVarP(&opts.quality, "quality", "q", 0, "")
			f.IntVarP(&opts.workers, "workers", "w", 1, "")
			f.StringVar(&opts.fillColor, "fill-color", "", "")
			if err := f.Parse(tt.args); err != nil {
				t.Fatal(err)
			}
			convertOpts = opts
			if _, err := buildJob(cmd, testConfig(), t.TempDir()); err == nil {
				t.Errorf("%v: expected error", tt.args)
			}
		})
	}
}

// TestConversionSettings 保存的设置与任务一致
func TestConversionSettings(t *testing.T) {
	job := executor.Job{
		Format:    imagefmt.AVIF,
		Quality:   40,
		Lossless:  true,
		FillColor: color.NRGBA{R: 0x12, G: 0x34, B: 0x56, A: 0xFF},
	}
	got := conversionSettings(job)
	if got.Format != "avif" || got.Quality != 40 || !got.Lossless || got.FillColor != "#123456" {
		t.Errorf("settings = %+v", got)
	}
}

// TestWatchJobApply 热重载更新模板，固定格式不被覆盖
func TestWatchJobApply(t *testing.T) {
	w := &watchJob{job: executor.Job{Format: imagefmt.PNG}}
	if err := w.apply(testConfig(), true); err != nil {
		t.Fatal(err)
	}
	if got := w.get(); got.Format != imagefmt.PNG || got.Quality != 70 {
		t.Errorf("fixed format: %+v", got)
	}
	if err := w.apply(testConfig(), false); err != nil {
		t.Fatal(err)
	}
	if got := w.get(); got.Format != imagefmt.JPEG {
		t.Errorf("format = %s", got.Format)
	}
}

// TestSettlerCoalescesEvents 连续事件只触发一次
func TestSettlerCoalescesEvents(t *testing.T) {
	var mu sync.Mutex
	fired := map[string]int{}
	s := newSettler(30*time.Millisecond, func(path string) {
		mu.Lock()
		fired[path]++
		mu.Unlock()
	})
	for i := 0; i < 5; i++ {
		s.touch("a")
		time.Sleep(5 * time.Millisecond)
	}
	s.touch("b")
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired["a"] != 1 || fired["b"] != 1 {
		t.Errorf("fired = %v", fired)
	}
}

// TestSettlerStop 停止后不再触发
func TestSettlerStop(t *testing.T) {
	var mu sync.Mutex
	count := 0
	s := newSettler(20*time.Millisecond, func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	s.touch("a")
	s.stop()
	s.touch("b")
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("count = %d", count)
	}
}
