// ABOUTME: Import command for the yandex-auth CLI
// ABOUTME: Links an account from an existing x_token or a password without prompts

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glebsterx/yandex-smart-home/cli/internal/client"
)

var (
	importUsername string
	importPassword string
	importXToken   string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Link an account without interactive prompts",
	Long: `Import an account by username with either an x_token or a password.

An x_token import finishes immediately. A password import may stop at a
captcha; the flow id is printed so it can be continued with "login --flow".`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if importXToken == "" {
			importXToken = os.Getenv("YANDEX_X_TOKEN")
		}
		exitCode := runImport(ctx, os.Stdout, client.ImportRequest{
			Username: importUsername,
			Password: importPassword,
			XToken:   importXToken,
		})
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	},
}

func init() {
	importCmd.Flags().StringVar(&importUsername, "username", "", "Yandex login (required)")
	importCmd.Flags().StringVar(&importPassword, "password", "", "Yandex password")
	importCmd.Flags().StringVar(&importXToken, "x-token", "", "Existing x_token (or YANDEX_X_TOKEN)")
	rootCmd.AddCommand(importCmd)
}

// runImport executes the import and returns exit code
func runImport(ctx context.Context, w io.Writer, req client.ImportRequest) int {
	if req.Username == "" || (req.Password == "") == (req.XToken == "") {
		fmt.Fprintln(w, "Error: --username and exactly one of --password or --x-token are required")
		return 2
	}

	res, err := newClient().Import(ctx, req)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}

	if IsJSONOutput() {
		fmt.Fprintln(w, formatFlowJSON(res))
	} else {
		fmt.Fprintln(w, formatFlowHuman(res))
	}
	if !res.Directive.Terminal() {
		return 1
	}
	return 0
}
