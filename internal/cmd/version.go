package cmd

import (
	"fmt"
	"runtime"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"imgconv/config"
	"imgconv/core/converter"
	"imgconv/internal/logger"
	"imgconv/internal/version"
)

// versionCmd 显示版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Long:  `显示版本号、构建信息、Go版本以及外部工具状态。`,
	Run: func(cmd *cobra.Command, args []string) {
		showVersionInfo()
	},
}

var shortVersionCmd = &cobra.Command{
	Use:   "short",
	Short: "只显示版本号，适用于脚本调用",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersion())
	},
}

func init() {
	versionCmd.AddCommand(shortVersionCmd)
	rootCmd.AddCommand(versionCmd)
}

func showVersionInfo() {
	pterm.DefaultSection.Println("imgconv " + version.GetFullVersionInfo())
	pterm.Printfln("Go版本: %s", runtime.Version())
	pterm.Printfln("平台: %s/%s", runtime.GOOS, runtime.GOARCH)
	pterm.Printfln("默认工作进程数: %d", config.DefaultWorkers())

	cfg := cfgMgr.GetConfig()
	tools := converter.NewToolManager(converter.ToolPaths{
		AvifEnc: cfg.Tools.AvifencPath,
		AvifDec: cfg.Tools.AvifdecPath,
	}, logger.CreateComponentLogger(log, "tools"))
	for _, tool := range []string{"avifenc", "avifdec"} {
		if path, err := tools.Resolve(tool); err == nil {
			pterm.Printfln("%s: %s", tool, pterm.Green(path))
		} else {
			pterm.Printfln("%s: %s", tool, pterm.Red("未找到"))
		}
	}
}
