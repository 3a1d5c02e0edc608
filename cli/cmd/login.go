// ABOUTME: Login command for the yandex-auth CLI
// ABOUTME: Walks a broker login flow interactively and prints the linked account

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glebsterx/yandex-smart-home/cli/internal/client"
	"github.com/glebsterx/yandex-smart-home/cli/internal/tui/login"
	"github.com/glebsterx/yandex-smart-home/cli/internal/tui/styles"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Link a Yandex account interactively",
	Long: `Start a login flow on the broker and answer its forms in the terminal.

Password, browser cookie and x_token logins are supported. Captcha and
external confirmation steps show the URL to open.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		m, err := login.Run(ctx, newClient(), loginFlowID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		os.Exit(reportLogin(os.Stdout, m.Result(), m.Err(), m.Cancelled()))
	},
}

var loginFlowID string

func init() {
	loginCmd.Flags().StringVar(&loginFlowID, "flow", "", "Continue an existing flow instead of starting one")
	rootCmd.AddCommand(loginCmd)
}

// reportLogin prints how a flow ended and returns the exit code.
func reportLogin(w io.Writer, res *client.FlowResponse, err error, cancelled bool) int {
	switch {
	case err != nil:
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	case cancelled || res == nil:
		fmt.Fprintln(w, styles.StatusWarning.Render("Login cancelled."))
		return 1
	}

	if IsJSONOutput() {
		fmt.Fprintln(w, formatFlowJSON(res))
	} else {
		fmt.Fprintln(w, formatFlowHuman(res))
	}
	return 0
}

// formatFlowHuman describes a finished flow.
func formatFlowHuman(res *client.FlowResponse) string {
	d := res.Directive
	var head string
	switch {
	case d.Type == "create_entry":
		head = styles.StatusOK.Render("Linked " + d.Title)
	case d.Reason == "account_updated":
		head = styles.StatusOK.Render("Updated " + d.Title)
	case d.Reason == "already_configured":
		head = styles.StatusWarning.Render(d.Title + " is already linked")
	case d.Type == "form":
		return fmt.Sprintf("Flow %s waits at step %s", res.FlowID, res.Step)
	default:
		head = styles.StatusCritical.Render("Aborted: " + d.Reason)
	}
	if res.Account == nil {
		return head
	}
	return head + "\n" + formatAccountHuman(res.Account)
}

// formatFlowJSON formats a flow response as JSON
func formatFlowJSON(res *client.FlowResponse) string {
	data, _ := json.MarshalIndent(res, "", "  ")
	return string(data)
}
