package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"imgconv/core/state"
	"imgconv/internal/logger"
)

var (
	historyLimit  int
	historyFailed bool
)

// historyCmd 查看转换历史
var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "查看转换历史",
	Long: `不带参数时列出最近的转换会话，指定会话ID时列出该会话的文件记录。

历史记录保存在 history.db_path 指定的数据库中，history.enabled 为 false 时不记录。`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "最多列出的会话数，0表示全部")
	historyCmd.Flags().BoolVar(&historyFailed, "failed", false, "只列出失败的文件")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg := cfgMgr.GetConfig()
	journal, err := state.OpenJournal(cfg.History.DBPath, logger.CreateComponentLogger(log, "history"))
	if err != nil {
		return fmt.Errorf("打开历史记录失败: %w", err)
	}
	defer journal.Close()

	if len(args) == 1 {
		return printSessionFiles(journal, args[0])
	}
	return printSessions(journal)
}

func printSessions(journal *state.Journal) error {
	sessions, err := journal.ListSessions(historyLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		pterm.Info.Println("没有转换历史")
		return nil
	}

	data := pterm.TableData{{"ID", "开始时间", "格式", "输入", "状态", "转换", "失败", "跳过"}}
	for _, s := range sessions {
		data = append(data, []string{
			s.ID,
			s.StartTime.Format(time.DateTime),
			s.Job.Format,
			s.Job.Input,
			stateLabel(s.State),
			strconv.Itoa(s.Completed),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Skipped),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printSessionFiles(journal *state.Journal, id string) error {
	session, err := journal.GetSession(id)
	if errors.Is(err, state.ErrSessionNotFound) {
		return fmt.Errorf("会话不存在: %s", id)
	}
	if err != nil {
		return err
	}
	records, err := journal.SessionFiles(id)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println("会话 " + session.ID)
	pterm.Printfln("输入: %s\n输出: %s\n格式: %s\n结果: %s", session.Job.Input, session.Job.OutputRoot, session.Job.Format, session.Message)

	data := pterm.TableData{{"状态", "输入", "输出", "错误"}}
	for _, r := range records {
		if historyFailed && r.Status != state.StatusFailed {
			continue
		}
		data = append(data, []string{r.Status.String(), r.Input, r.Output, r.ErrorMessage})
	}
	if len(data) == 1 {
		pterm.Info.Println("没有符合条件的文件记录")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func stateLabel(s string) string {
	switch s {
	case "completed":
		return pterm.Green(s)
	case "failed":
		return pterm.Red(s)
	case "cancelled":
		return pterm.Yellow(s)
	}
	return s
}
