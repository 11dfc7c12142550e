package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imgconv/config"
	"imgconv/core/executor"
	"imgconv/core/imagefmt"
	"imgconv/core/planner"
)

// watchSettleDelay 文件最后一次写入后等待的时间，避免读到未写完的文件
const watchSettleDelay = 500 * time.Millisecond

var (
	watchOutput string
	watchFormat string
)

// watchCmd 监视目录并转换新生成的图片
var watchCmd = &cobra.Command{
	Use:   "watch <directory>",
	Short: "监视目录，自动转换新生成的图片",
	Long: `监视目录中新建的图片文件并逐个转换，适合放在生成工具的输出目录上。

输出目录默认为 <目录>/converted，不能与被监视的目录相同。
开启 advanced.enable_hot_reload 时，修改配置文件后新的转换设置立即生效。`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "", "输出目录 (默认: <目录>/converted)")
	watchCmd.Flags().StringVarP(&watchFormat, "format", "f", "", "目标格式 (默认取配置文件)")
	rootCmd.AddCommand(watchCmd)
}

// watchJob 热重载时替换的任务模板
type watchJob struct {
	mutex sync.RWMutex
	job   executor.Job
}

func (w *watchJob) get() executor.Job {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.job
}

// apply 用配置更新模板，命令行指定的格式保持不变
func (w *watchJob) apply(cfg *config.Config, formatFixed bool) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if !formatFixed {
		format, err := imagefmt.ParseFormat(cfg.Conversion.Format)
		if err != nil {
			return err
		}
		w.job.Format = format
	}
	w.job.Quality = cfg.Conversion.Quality
	w.job.Lossless = cfg.Conversion.Lossless
	w.job.FillTransparency = cfg.Conversion.FillTransparency
	w.job.FillColor = cfg.FillColor()
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if info, err := os.Stat(dir); err != nil {
		return err
	} else if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	output := watchOutput
	if output == "" {
		output = filepath.Join(dir, "converted")
	}
	if output, err = filepath.Abs(output); err != nil {
		return err
	}
	if output == dir {
		return fmt.Errorf("output directory must differ from the watched directory")
	}

	cfg := cfgMgr.GetConfig()
	template := &watchJob{job: executor.Job{OutputRoot: output, Workers: 1}}
	formatFixed := cmd.Flags().Changed("format")
	if formatFixed {
		if template.job.Format, err = imagefmt.ParseFormat(watchFormat); err != nil {
			return err
		}
	}
	if err := template.apply(cfg, formatFixed); err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cfgMgr.AddWatcher(config.WatcherFunc(func(_, newConfig *config.Config) error {
		if err := template.apply(newConfig, formatFixed); err != nil {
			return err
		}
		pterm.Info.Printfln("配置已更新，目标格式 %s，质量 %d", template.get().Format, newConfig.Conversion.Quality)
		return nil
	}))
	if cfgMgr.EnableHotReload() {
		log.Debug("配置热重载已开启", zap.String("file", cfgMgr.ConfigFileUsed()))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监视器失败: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("监视目录失败: %w", err)
	}

	handler := executor.NewSignalHandler(context.Background(), log)
	handler.Start()
	defer handler.Stop()
	ctx := handler.Context()

	pterm.Info.Printfln("正在监视 %s，输出到 %s (Ctrl+C 退出)", dir, output)

	queue := make(chan string, 64)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case path := <-queue:
				convertWatched(ctx, a, template.get(), path)
			case <-done:
				return
			}
		}
	}()

	settle := newSettler(watchSettleDelay, func(path string) {
		select {
		case queue <- path:
		case <-done:
		case <-ctx.Done():
		}
	})
	defer func() {
		settle.stop()
		close(done)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			pterm.Info.Println("停止监视")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if planner.Within(event.Name, output) {
				continue
			}
			settle.touch(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("文件监视出错", zap.Error(err))
		}
	}
}

// convertWatched 转换单个新文件
func convertWatched(ctx context.Context, a *app, job executor.Job, path string) {
	if ctx.Err() != nil || !a.engine.CanConvert(path) {
		return
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return
	}
	job.InputPath = path
	res := a.engine.PlanAndRun(ctx, job, nil)
	switch {
	case res.IsError:
		pterm.Error.Printfln("%s: %s", filepath.Base(path), res.Message)
	case res.Skipped > 0:
		pterm.Warning.Printfln("%s: 动图已跳过", filepath.Base(path))
	default:
		pterm.Success.Printfln("%s → %s", filepath.Base(path), job.Format)
	}
}

// settler 同一路径在delay内没有新事件后才触发回调
type settler struct {
	mutex   sync.Mutex
	delay   time.Duration
	fire    func(string)
	pending map[string]*time.Timer
	stopped bool
}

func newSettler(delay time.Duration, fire func(string)) *settler {
	return &settler{delay: delay, fire: fire, pending: make(map[string]*time.Timer)}
}

func (s *settler) touch(path string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return
	}
	if timer, ok := s.pending[path]; ok {
		timer.Reset(s.delay)
		return
	}
	s.pending[path] = time.AfterFunc(s.delay, func() {
		s.mutex.Lock()
		delete(s.pending, path)
		stopped := s.stopped
		s.mutex.Unlock()
		if !stopped {
			s.fire(path)
		}
	})
}

// stop 取消所有未触发的回调
func (s *settler) stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stopped = true
	for path, timer := range s.pending {
		timer.Stop()
		delete(s.pending, path)
	}
}
