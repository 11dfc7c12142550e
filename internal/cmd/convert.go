package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imgconv/config"
	"imgconv/core/compositor"
	"imgconv/core/executor"
	"imgconv/core/imagefmt"
	"imgconv/internal/ui"
)

// ErrJobFailed 批量转换以失败结束
var ErrJobFailed = errors.New("conversion failed")

// convertOptions convert命令的参数
type convertOptions struct {
	output    string
	format    string
	quality   int
	lossless  bool
	fill      bool
	fillColor string
	recurse   bool
	workers   int
	silent    bool
	save      bool
	timestamp bool
}

var convertOpts convertOptions

// convertCmd 转换文件或目录
var convertCmd = &cobra.Command{
	Use:   "convert [file|directory]",
	Short: "转换图片并保留生成参数",
	Long: `转换单个图片或目录中的全部图片。

未指定 --format 且在终端中运行时会提示选择目标格式。
第一次 Ctrl+C 终止正在进行的转换，再次按下立即退出。

示例：
  imgconv convert ./outputs -f webp -q 90
  imgconv convert ./outputs -f jpg -o ./jpg --fill-color '#000000' -r
  imgconv convert image.png -f avif --lossless`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConvert,
}

func init() {
	f := convertCmd.Flags()
	f.StringVarP(&convertOpts.output, "output", "o", "", "输出目录 (默认: 目录输入为 <输入>/converted，文件输入为其所在目录)")
	f.StringVarP(&convertOpts.format, "format", "f", "", "目标格式: png, jpg, webp, avif")
	f.IntVarP(&convertOpts.quality, "quality", "q", 0, "压缩质量 0-100")
	f.BoolVar(&convertOpts.lossless, "lossless", false, "无损编码 (webp, avif)")
	f.BoolVar(&convertOpts.fill, "fill", false, "用填充色替换透明区域 (jpg 始终填充)")
	f.StringVar(&convertOpts.fillColor, "fill-color", "", "填充色，如 #ffffff")
	f.BoolVarP(&convertOpts.recurse, "recursive", "r", false, "递归处理子目录")
	f.IntVarP(&convertOpts.workers, "workers", "w", 0, "并发工作进程数 (默认: 物理核心数)")
	f.BoolVarP(&convertOpts.silent, "silent", "s", false, "不显示进度条")
	f.BoolVar(&convertOpts.save, "save", false, "把本次的转换设置保存为默认值")
	f.BoolVar(&convertOpts.timestamp, "timestamp", false, "输出到以时间戳命名的子目录")

	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	input := "."
	if len(args) > 0 {
		input = args[0]
	}
	input, err := filepath.Abs(input)
	if err != nil {
		return err
	}

	current := *cfgMgr.GetConfig()
	cfg := &current
	job, err := buildJob(cmd, cfg, input)
	if err != nil {
		return err
	}
	if convertOpts.timestamp {
		cfg.Output.TimestampSubdir = true
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if job.Format == imagefmt.AVIF || isAVIFInput(input) {
		warnMissingAVIFTools(a)
	}

	handler := executor.NewSignalHandler(context.Background(), log)
	handler.Start()
	defer handler.Stop()
	ctx := handler.Context()

	spinner, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("正在扫描 " + input)
	pairs, err := a.engine.Plan(ctx, job.InputPath, job.OutputRoot, job.Format, job.Recurse)
	if spinner != nil {
		spinner.Stop()
	}
	if err != nil {
		return err
	}

	log.Info("开始转换",
		zap.String("input", job.InputPath),
		zap.String("output", job.OutputRoot),
		zap.String("format", job.Format.String()),
		zap.Int("files", len(pairs)))

	progress := ui.StartProgress(len(pairs), fmt.Sprintf("转换为 %s", job.Format), convertOpts.silent)
	res := a.engine.Run(ctx, job, pairs, progress.Update)
	progress.Stop()
	ui.PrintResult(res)

	if convertOpts.save && !res.IsError {
		if err := cfgMgr.Save(conversionSettings(job)); err != nil {
			log.Warn("保存设置失败", zap.Error(err))
		} else {
			pterm.Info.Println("设置已保存到 " + cfgMgr.ConfigFileUsed())
		}
	}

	if res.IsError {
		return fmt.Errorf("%w: %s", ErrJobFailed, res.Message)
	}
	return nil
}

// buildJob 命令行参数优先，其次配置文件
func buildJob(cmd *cobra.Command, cfg *config.Config, input string) (executor.Job, error) {
	flags := cmd.Flags()
	job := executor.Job{
		InputPath:        input,
		Quality:          cfg.Conversion.Quality,
		Lossless:         cfg.Conversion.Lossless,
		FillTransparency: cfg.Conversion.FillTransparency,
		Recurse:          cfg.Conversion.Recurse,
		Workers:          cfg.Concurrency.Workers,
		FillColor:        cfg.FillColor(),
	}

	format, err := imagefmt.ParseFormat(cfg.Conversion.Format)
	if err != nil {
		return job, err
	}
	switch {
	case flags.Changed("format"):
		if format, err = imagefmt.ParseFormat(convertOpts.format); err != nil {
			return job, err
		}
	case ui.IsInteractive():
		if format, err = ui.SelectFormat(format); err != nil {
			return job, err
		}
	}
	job.Format = format

	if flags.Changed("quality") {
		if convertOpts.quality < 0 || convertOpts.quality > 100 {
			return job, fmt.Errorf("quality %d out of range 0..100", convertOpts.quality)
		}
		job.Quality = convertOpts.quality
	}
	if flags.Changed("lossless") {
		job.Lossless = convertOpts.lossless
	}
	if flags.Changed("fill") {
		job.FillTransparency = convertOpts.fill
	}
	if flags.Changed("fill-color") {
		fill, err := compositor.ParseHexColor(convertOpts.fillColor)
		if err != nil {
			return job, err
		}
		job.FillColor = fill
	}
	if flags.Changed("recursive") {
		job.Recurse = convertOpts.recurse
	}
	if flags.Changed("workers") {
		if convertOpts.workers < 1 {
			return job, fmt.Errorf("workers must be at least 1, got %d", convertOpts.workers)
		}
		job.Workers = convertOpts.workers
	}

	job.OutputRoot = convertOpts.output
	if job.OutputRoot == "" {
		job.OutputRoot = cfg.Output.Directory
	}
	if job.OutputRoot == "" {
		job.OutputRoot = defaultOutputRoot(input)
	}
	if job.OutputRoot, err = filepath.Abs(job.OutputRoot); err != nil {
		return job, err
	}
	return job, nil
}

// defaultOutputRoot 目录输入输出到其下的converted，文件输入输出到同目录
func defaultOutputRoot(input string) string {
	if info, err := os.Stat(input); err == nil && info.IsDir() {
		return filepath.Join(input, "converted")
	}
	return filepath.Dir(input)
}

func conversionSettings(job executor.Job) config.ConversionConfig {
	return config.ConversionConfig{
		Format:           job.Format.String(),
		Quality:          job.Quality,
		Lossless:         job.Lossless,
		FillTransparency: job.FillTransparency,
		FillColor:        compositor.HexColor(job.FillColor),
		Recurse:          job.Recurse,
	}
}

func isAVIFInput(input string) bool {
	format, err := imagefmt.SniffFile(input)
	return err == nil && format == imagefmt.AVIF
}

// warnMissingAVIFTools AVIF文件需要外部编解码器
func warnMissingAVIFTools(a *app) {
	for _, tool := range []string{"avifenc", "avifdec"} {
		if !a.tools.Available(tool) {
			pterm.Warning.Printfln("未找到 %s，AVIF 文件会转换失败", tool)
		}
	}
}
