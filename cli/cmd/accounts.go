// ABOUTME: Accounts command group for the yandex-auth CLI
// ABOUTME: Lists, shows, deletes and refreshes accounts stored by the broker

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/glebsterx/yandex-smart-home/cli/internal/client"
	"github.com/glebsterx/yandex-smart-home/cli/internal/tui/styles"
)

var refreshAll bool

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage linked accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List linked accounts",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		exitWith(func(ctx context.Context) int { return runAccountsList(ctx, os.Stdout) })
	},
}

var accountsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one account",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		exitWith(func(ctx context.Context) int { return runAccountsShow(ctx, os.Stdout, args[0]) })
	},
}

var accountsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Forget an account and its credentials",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		exitWith(func(ctx context.Context) int { return runAccountsDelete(ctx, os.Stdout, args[0]) })
	},
}

var accountsRefreshCmd = &cobra.Command{
	Use:   "refresh [id]",
	Short: "Rotate session cookies and music tokens from the stored x_token",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		exitWith(func(ctx context.Context) int { return runAccountsRefresh(ctx, os.Stdout, id, refreshAll) })
	},
}

func init() {
	accountsRefreshCmd.Flags().BoolVar(&refreshAll, "all", false, "Refresh every account")
	accountsCmd.AddCommand(accountsListCmd, accountsShowCmd, accountsDeleteCmd, accountsRefreshCmd)
	rootCmd.AddCommand(accountsCmd)
}

func exitWith(run func(ctx context.Context) int) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx)
	cancel()
	if code != 0 {
		os.Exit(code)
	}
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

func runAccountsList(ctx context.Context, w io.Writer) int {
	accounts, err := newClient().ListAccounts(ctx)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	if IsJSONOutput() {
		printJSON(w, accounts)
		return 0
	}
	fmt.Fprintln(w, formatAccountsTable(accounts))
	return 0
}

func runAccountsShow(ctx context.Context, w io.Writer, id string) int {
	acc, err := newClient().GetAccount(ctx, id)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	if IsJSONOutput() {
		printJSON(w, acc)
		return 0
	}
	fmt.Fprintln(w, formatAccountHuman(acc))
	return 0
}

func runAccountsDelete(ctx context.Context, w io.Writer, id string) int {
	if err := newClient().DeleteAccount(ctx, id); err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	fmt.Fprintf(w, "Deleted %s\n", id)
	return 0
}

func runAccountsRefresh(ctx context.Context, w io.Writer, id string, all bool) int {
	if all == (id != "") {
		fmt.Fprintln(w, "Error: give an account id or --all")
		return 2
	}

	c := newClient()
	var results []client.RefreshResult
	if all {
		resp, err := c.RefreshAll(ctx)
		if err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			return 2
		}
		results = resp.Results
	} else {
		res, err := c.RefreshAccount(ctx, id)
		if err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			return 2
		}
		results = []client.RefreshResult{*res}
	}

	if IsJSONOutput() {
		printJSON(w, results)
	} else {
		fmt.Fprintln(w, formatRefreshHuman(results))
	}
	for _, r := range results {
		if r.Error != "" {
			return 1
		}
	}
	return 0
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// formatAccountsTable renders accounts one per line.
func formatAccountsTable(accounts []client.Account) string {
	if len(accounts) == 0 {
		return "No accounts linked."
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLOGIN\tX_TOKEN\tCOOKIE\tMUSIC\tSKILL")
	for _, a := range accounts {
		skill := "-"
		if a.Skill != nil {
			skill = a.Skill.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.UniqueID,
			yesNo(a.HasXToken), yesNo(a.HasCookie), yesNo(a.HasMusicToken), skill)
	}
	tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// formatAccountHuman renders one account as key/value lines.
func formatAccountHuman(a *client.Account) string {
	rows := [][2]string{
		{"ID", a.ID},
		{"Login", a.UniqueID},
		{"Title", a.Title},
		{"x_token", yesNo(a.HasXToken)},
		{"Cookie", yesNo(a.HasCookie)},
		{"Music token", yesNo(a.HasMusicToken)},
	}
	if a.Skill != nil {
		rows = append(rows, [2]string{"Skill", a.Skill.Name + " (" + a.Skill.UserID + ")"})
	}
	if !a.UpdatedAt.IsZero() {
		rows = append(rows, [2]string{"Updated", a.UpdatedAt.Local().Format("2006-01-02 15:04")})
	}

	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = styles.KeyStyle.Render(fmt.Sprintf("%-12s", r[0]+":")) + " " + r[1]
	}
	return strings.Join(lines, "\n")
}

func formatRefreshHuman(results []client.RefreshResult) string {
	if len(results) == 0 {
		return "No accounts to refresh."
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		name := r.UniqueID
		if name == "" {
			name = r.AccountID
		}
		if r.Error != "" {
			lines = append(lines, styles.StatusCritical.Render("FAIL")+" "+name+": "+r.Error)
			continue
		}
		var rotated []string
		if r.CookieRotated {
			rotated = append(rotated, "cookie")
		}
		if r.MusicTokenRotated {
			rotated = append(rotated, "music token")
		}
		if len(rotated) == 0 {
			rotated = append(rotated, "nothing changed")
		}
		lines = append(lines, styles.StatusOK.Render("OK")+"   "+name+": "+strings.Join(rotated, ", "))
	}
	return strings.Join(lines, "\n")
}
