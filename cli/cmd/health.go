// ABOUTME: Health command for the yandex-auth CLI
// ABOUTME: Checks broker connectivity and the state of its stores

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glebsterx/yandex-smart-home/cli/internal/client"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check broker connectivity",
	Long:  `Check connectivity to the credential broker and report the flow and account stores it runs on.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		exitCode := runHealth(ctx, os.Stdout)
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

// runHealth executes the health check and returns exit code
func runHealth(ctx context.Context, w io.Writer) int {
	url := GetAPIURL()

	resp, err := newClient().Health(ctx)
	if resp == nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}

	if IsJSONOutput() {
		fmt.Fprintln(w, formatHealthJSON(url, resp))
	} else {
		fmt.Fprintln(w, formatHealthHuman(url, resp))
	}

	if err != nil {
		return 1
	}
	return 0
}

// formatHealthHuman formats health response for human readability
func formatHealthHuman(url string, resp *client.HealthResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backend:       %s\n", url)
	fmt.Fprintf(&b, "Status:        %s\n", resp.Status)
	fmt.Fprintf(&b, "Flow store:    %s\n", resp.FlowStore)
	fmt.Fprintf(&b, "Account store: %s", resp.AccountStore)

	names := make([]string, 0, len(resp.Checks))
	for name := range resp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n  %-12s %s", name+":", resp.Checks[name])
	}
	return b.String()
}

// formatHealthJSON formats health response as JSON
func formatHealthJSON(url string, resp *client.HealthResponse) string {
	output := map[string]any{
		"backend":       url,
		"status":        resp.Status,
		"flow_store":    resp.FlowStore,
		"account_store": resp.AccountStore,
		"checks":        resp.Checks,
	}
	data, _ := json.MarshalIndent(output, "", "  ")
	return string(data)
}
