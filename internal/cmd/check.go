package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"imgconv/core/container"
	"imgconv/core/imagefmt"
	"imgconv/core/metadata"
	"imgconv/core/planner"
	"imgconv/internal/logger"
)

// ErrNothingConvertible 路径下没有可转换的文件
var ErrNothingConvertible = errors.New("nothing to convert")

var (
	checkShowParams bool
	checkRecurse    bool
)

// checkCmd 检查路径是否可转换，单个文件时显示其生成参数
var checkCmd = &cobra.Command{
	Use:   "check <file|directory>",
	Short: "检查路径能否转换并查看生成参数",
	Long: `检查文件或目录中是否有可转换的图片。

对目录列出每个可转换文件识别出的格式。对单个文件显示格式、
参数来源 (WebUI、NovelAI、ComfyUI)，加上 --params 时输出完整的参数文本。
没有可转换文件时退出码为 1。`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVarP(&checkShowParams, "params", "p", false, "输出完整的生成参数")
	checkCmd.Flags().BoolVarP(&checkRecurse, "recursive", "r", false, "递归检查子目录")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	ok := color.New(color.FgGreen, color.Bold).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()
	dim := color.New(color.FgHiBlack).SprintFunc()

	if !planner.HasConvertible(path, checkRecurse) {
		fmt.Fprintf(os.Stdout, "%s %s\n", bad("✗"), path)
		return ErrNothingConvertible
	}
	fmt.Fprintf(os.Stdout, "%s %s\n", ok("✓"), path)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return describeFile(path, dim)
	}

	files, err := planner.New(log).Scan(cmd.Context(), path, checkRecurse)
	if err != nil {
		return err
	}
	for _, f := range files {
		rel, err := filepath.Rel(path, f.Path)
		if err != nil {
			rel = f.Path
		}
		fmt.Fprintf(os.Stdout, "  %-5s %s\n", color.CyanString(f.Format.String()), rel)
	}
	fmt.Fprintf(os.Stdout, "%s %d\n", dim("可转换文件:"), len(files))
	return nil
}

// describeFile 输出单个文件的格式和元数据
func describeFile(path string, dim func(a ...interface{}) string) error {
	format, err := imagefmt.SniffFile(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out := os.Stdout
	fmt.Fprintf(out, "  %s %s\n", dim("格式:"), format)
	if format.MayAnimate() && container.IsAnimated(data, format) {
		fmt.Fprintf(out, "  %s\n", color.YellowString("动图，转换时会跳过"))
		return nil
	}

	transcoder := metadata.NewTranscoder(logger.CreateComponentLogger(log, "metadata"))
	meta, err := transcoder.Extract(data, format, path)
	if err != nil {
		return err
	}
	if meta.IsEmpty() {
		fmt.Fprintf(out, "  %s 无\n", dim("生成参数:"))
		return nil
	}
	fmt.Fprintf(out, "  %s %s\n", dim("来源:"), color.CyanString(meta.Origin.String()))
	keys := make([]string, 0, len(meta.Entries))
	for _, e := range meta.Entries {
		keys = append(keys, e.Key)
	}
	fmt.Fprintf(out, "  %s %v\n", dim("字段:"), keys)
	if checkShowParams {
		if params := meta.Parameters(); params != "" {
			fmt.Fprintf(out, "\n%s\n", params)
		}
	}
	return nil
}
