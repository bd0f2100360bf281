package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh]",
		Short: "Print shell completion script",
		Long: "Print a shell completion script (bash when no shell is given).\n\n" +
			"  entitlements-monitor completion bash > ~/.local/share/bash-completion/completions/entitlements-monitor\n" +
			"  entitlements-monitor completion zsh > ~/.zsh/completions/_entitlements-monitor",
		ValidArgs: []string{"bash", "zsh"},
		Args:      cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shell := "bash"
			if len(args) == 1 {
				shell = strings.TrimSpace(args[0])
			}
			root := cmd.Root()
			switch shell {
			case "bash":
				return root.GenBashCompletionV2(os.Stdout, true)
			case "zsh":
				return root.GenZshCompletion(os.Stdout)
			default:
				return usageErrorf("unsupported shell %q (expected bash or zsh)", shell)
			}
		},
	}
}
