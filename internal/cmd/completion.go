package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// completionCmd 生成shell补全脚本，脚本写到stdout
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "生成shell自动补全脚本",
	Long: `生成指定shell的自动补全脚本。

Bash:
  source <(imgconv completion bash)
  echo 'source <(imgconv completion bash)' >> ~/.bashrc

Zsh:
  source <(imgconv completion zsh)
  echo 'source <(imgconv completion zsh)' >> ~/.zshrc

Fish:
  imgconv completion fish | source
  imgconv completion fish > ~/.config/fish/completions/imgconv.fish

PowerShell:
  imgconv completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	// 补全脚本不需要配置和日志
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		var err error
		switch args[0] {
		case "bash":
			err = cmd.Root().GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			err = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			err = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			err = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		if err != nil {
			return fmt.Errorf("生成%s补全脚本失败: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
