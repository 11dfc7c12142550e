package ui

import (
	"errors"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"golang.org/x/term"

	"imgconv/core/imagefmt"
)

// ErrNotInteractive 不是终端时无法提示
var ErrNotInteractive = errors.New("not an interactive terminal")

// IsInteractive 标准输入输出都是终端且不在CI中
func IsInteractive() bool {
	return os.Getenv("CI") == "" &&
		term.IsTerminal(int(os.Stdin.Fd())) &&
		term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth 终端宽度，最大120，取不到时为80
func TerminalWidth() int {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
			return min(width, 120)
		}
	}
	return 80
}

var formatDescriptions = map[imagefmt.Format]string{
	imagefmt.PNG:  "无损，参数保存在文本块",
	imagefmt.JPEG: "有损，透明区域会被填充",
	imagefmt.WEBP: "有损或无损，体积小",
	imagefmt.AVIF: "需要 avifenc/avifdec",
}

// SelectFormat 让用户选择目标格式，defaultFormat排在第一位
func SelectFormat(defaultFormat imagefmt.Format) (imagefmt.Format, error) {
	if !IsInteractive() {
		return "", ErrNotInteractive
	}
	formats := []imagefmt.Format{defaultFormat}
	for _, f := range imagefmt.All() {
		if f != defaultFormat {
			formats = append(formats, f)
		}
	}
	items := make([]string, len(formats))
	for i, f := range formats {
		items[i] = strings.ToUpper(f.String()) + "  " + formatDescriptions[f]
	}

	prompt := promptui.Select{
		Label: "目标格式",
		Items: items,
		Size:  len(items),
	}
	index, _, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return formats[index], nil
}

// Confirm 是/否确认，非终端时返回默认值
func Confirm(label string, defaultYes bool) bool {
	if !IsInteractive() {
		return defaultYes
	}
	def := "n"
	if defaultYes {
		def = "y"
	}
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
		Default:   def,
	}
	// 回答否或中断时promptui返回错误
	_, err := prompt.Run()
	return err == nil
}
