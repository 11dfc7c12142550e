package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imgconv/config"
	"imgconv/core/converter"
	"imgconv/core/engine"
	"imgconv/core/executor"
	"imgconv/core/state"
	"imgconv/internal/logger"
	"imgconv/internal/version"
)

// 全局变量
var (
	cfgFile string
	verbose bool
	log     = zap.NewNop()
	cfgMgr  *config.ConfigManager
)

// rootCmd 不带子命令时显示帮助
var rootCmd = &cobra.Command{
	Use:   "imgconv",
	Short: "AI图片批量转换，保留生成参数",
	Long: `imgconv 在 PNG、JPEG、WEBP、AVIF 之间批量转换图片，
并保留 WebUI、NovelAI、ComfyUI 写入的生成参数。

PNG 的参数保存在文本块中，JPEG/WEBP/AVIF 的参数保存在 EXIF UserComment 中。`,
	Version:           version.GetVersion(),
	SilenceUsage:      true,
	PersistentPreRunE: initApp,
}

// Execute 执行根命令
func Execute() error {
	defer log.Sync()
	return rootCmd.Execute()
}

func init() {
	// 输出统一到stderr，stdout只留给需要被管道读取的内容
	rootCmd.SetOut(os.Stderr)
	rootCmd.SetErr(os.Stderr)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件 (默认: $HOME/.imgconv.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "输出详细日志")
}

// initApp 加载配置并创建日志器
func initApp(cmd *cobra.Command, args []string) error {
	// 配置加载期间只有控制台日志
	bootstrap, err := logger.NewLogger(verbose)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	cfgMgr, err = config.NewConfigManager(cfgFile, bootstrap)
	if err != nil {
		return err
	}
	cfg := cfgMgr.GetConfig()

	logConfig := logger.DefaultLoggerConfig()
	logConfig.Verbose = verbose
	logConfig.EnableFile = cfg.Logging.EnableFile
	logConfig.FileLevel = logger.ParseLevel(cfg.Logging.Level)
	logConfig.LogDir = cfg.Logging.LogDir
	log, err = logger.NewLoggerWithConfig(logConfig)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	log.Debug("imgconv initialized",
		zap.String("version", version.GetVersion()),
		zap.String("config", cfgMgr.ConfigFileUsed()))
	return nil
}

// app 一次命令执行所需的引擎及其资源
type app struct {
	engine  *engine.Engine
	journal *state.Journal
	tools   *converter.ToolManager
}

// newApp 按当前配置组装引擎
func newApp(cfg *config.Config) (*app, error) {
	tools := converter.NewToolManager(converter.ToolPaths{
		AvifEnc: cfg.Tools.AvifencPath,
		AvifDec: cfg.Tools.AvifdecPath,
	}, logger.CreateComponentLogger(log, "tools"))

	var runnerFactory executor.RunnerFactory
	switch cfg.Concurrency.Isolation {
	case config.IsolationInProcess:
		runnerFactory = executor.LocalRunnerFactory(converter.New(log, tools))
	default:
		args := []string{workerCmd.Name()}
		if cfgMgr != nil && cfgMgr.ConfigFileUsed() != "" {
			args = append(args, "--config", cfgMgr.ConfigFileUsed())
		}
		if verbose {
			args = append(args, "--verbose")
		}
		runnerFactory = executor.ProcessRunnerFactory(executor.ProcessConfig{Args: args}, log)
	}

	a := &app{tools: tools}
	if cfg.History.Enabled {
		journal, err := state.OpenJournal(cfg.History.DBPath, logger.CreateComponentLogger(log, "history"))
		if err != nil {
			// 历史记录不可用不影响转换
			log.Warn("无法打开历史记录", zap.String("path", cfg.History.DBPath), zap.Error(err))
		} else {
			a.journal = journal
		}
	}

	a.engine = engine.New(log, engine.Options{
		Executor: executor.Options{
			NewRunner:   runnerFactory,
			TaskTimeout: cfg.Concurrency.TaskTimeout,
			Journal:     a.journal,
		},
		TimestampSubdir: cfg.Output.TimestampSubdir,
	})
	return a, nil
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn("关闭历史记录失败", zap.Error(err))
		}
	}
}
