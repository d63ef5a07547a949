package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate completion script for your shell",
		Long: `Generate completion script for your shell.

Examples:

  # Load bash completion in current session
  $ source <(peerlink completion bash)

  # Install zsh completion
  $ peerlink completion zsh --install
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			shell := args[0]
			install, _ := cmd.Flags().GetBool("install")
			if install {
				return installCompletion(shell, cmd)
			}
			return writeCompletion(shell, cmd, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("install", false, "Install completion script to system location")
	return cmd
}

func writeCompletion(shell string, cmd *cobra.Command, w io.Writer) error {
	switch shell {
	case "bash":
		return cmd.Root().GenBashCompletion(w)
	case "zsh":
		return cmd.Root().GenZshCompletion(w)
	case "fish":
		return cmd.Root().GenFishCompletion(w, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(w)
	}
	return errors.Newf("unsupported shell: %s", shell)
}

// installCompletion installs the completion script to the appropriate system location
func installCompletion(shell string, cmd *cobra.Command) error {
	var content strings.Builder
	if err := writeCompletion(shell, cmd, &content); err != nil {
		return err
	}

	homeDir, _ := os.UserHomeDir()
	var installPath string
	switch shell {
	case "bash":
		// Check common bash completion directories
		for _, dir := range []string{"/etc/bash_completion.d", "/usr/local/etc/bash_completion.d"} {
			if _, err := os.Stat(dir); err == nil {
				installPath = filepath.Join(dir, "peerlink")
				break
			}
		}
		if installPath == "" {
			return errors.New("no bash completion directory found; install manually: peerlink completion bash > /path/to/completion/dir/peerlink")
		}
	case "zsh":
		installPath = filepath.Join(homeDir, ".local/share/zsh/site-functions/_peerlink")
	case "fish":
		installPath = filepath.Join(homeDir, ".config/fish/completions/peerlink.fish")
	default:
		return errors.Newf("%s completion installation not supported; install manually: peerlink completion %s", shell, shell)
	}

	if err := os.MkdirAll(filepath.Dir(installPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create completion directory")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Installing completion script to %s...\n", installPath)
	if err := os.WriteFile(installPath, []byte(content.String()), 0644); err != nil {
		return errors.Wrap(err, "error writing completion script")
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Completion script installed successfully!\n")
	switch shell {
	case "bash":
		fmt.Fprintf(cmd.ErrOrStderr(), "Restart your shell or run: source %s\n", installPath)
	case "zsh":
		fmt.Fprintf(cmd.ErrOrStderr(), "Add 'fpath=(~/.local/share/zsh/site-functions $fpath)' to your ~/.zshrc if not already present\n")
	case "fish":
		fmt.Fprintf(cmd.ErrOrStderr(), "Restart your shell to enable completions\n")
	}
	return nil
}
