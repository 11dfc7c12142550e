package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"imgconv/config"
	"imgconv/core/converter"
	"imgconv/core/executor"
	"imgconv/internal/logger"
)

// workerCmd 由批量执行器启动的工作进程，从stdin读请求，向stdout写结果
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "内部使用：转换工作进程",
	Hidden: true,
	Args:   cobra.NoArgs,
	// stdout是协议通道，日志只能写stderr
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log = logger.NewWorkerLogger(verbose)
		var err error
		if cfgMgr, err = config.NewConfigManager(cfgFile, log); err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// 中断由父进程统一处理，工作进程只响应进程组终止
		signal.Ignore(os.Interrupt)
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		cfg := cfgMgr.GetConfig()
		tools := converter.NewToolManager(converter.ToolPaths{
			AvifEnc: cfg.Tools.AvifencPath,
			AvifDec: cfg.Tools.AvifdecPath,
		}, logger.CreateComponentLogger(log, "tools"))
		conv := converter.New(log, tools)

		return executor.ServeWorker(ctx, os.Stdin, os.Stdout, conv.Convert, log)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
