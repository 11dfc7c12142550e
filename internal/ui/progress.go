// Package ui 命令行的进度显示、结果输出与交互提示。
package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"imgconv/core/executor"
)

// Progress 批量转换进度条，静默模式下不输出
type Progress struct {
	mutex  sync.Mutex
	bar    *pterm.ProgressbarPrinter
	silent bool
	last   int
}

// StartProgress 启动进度条
func StartProgress(total int, title string, silent bool) *Progress {
	p := &Progress{silent: silent}
	if silent || total <= 0 {
		return p
	}

	bar, err := pterm.DefaultProgressbar.WithTotal(total).WithTitle(title).Start()
	if err != nil {
		p.silent = true
		return p
	}
	bar.BarStyle = &pterm.Style{pterm.FgLightBlue, pterm.BgDefault}
	bar.TitleStyle = &pterm.Style{pterm.FgLightCyan, pterm.Bold}
	bar.BarCharacter = "█"
	bar.LastCharacter = "█"
	bar.ElapsedTimeRoundingFactor = time.Second
	bar.ShowCount = true
	bar.ShowElapsedTime = true
	p.bar = bar
	return p
}

// Update 作为executor.ProgressFunc使用
func (p *Progress) Update(completed, total int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.bar == nil || completed <= p.last {
		return
	}
	p.bar.Add(completed - p.last)
	p.last = completed
}

// Stop 结束进度条
func (p *Progress) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.bar != nil {
		p.bar.Stop()
		p.bar = nil
	}
}

// PrintResult 按终止状态输出结果与失败文件
func PrintResult(res executor.JobResult) {
	switch res.State {
	case executor.StateCompleted:
		pterm.Success.Println(res.Message)
	case executor.StateCancelled:
		pterm.Warning.Println(res.Message)
	default:
		pterm.Error.Println(res.Message)
	}
	for _, f := range res.Failures {
		pterm.Printf("  %s %s: %v\n", pterm.LightRed("✗"), f.Input, f.Err)
	}
	if res.Duration > 0 {
		pterm.Info.Println(fmt.Sprintf("耗时 %s，转换 %d，跳过 %d，失败 %d",
			res.Duration.Round(time.Millisecond), res.Converted, res.Skipped, len(res.Failures)))
	}
}
