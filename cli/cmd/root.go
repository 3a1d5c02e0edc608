// ABOUTME: Root command for the yandex-auth CLI
// ABOUTME: Handles global flags and the broker client they configure

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/glebsterx/yandex-smart-home/cli/internal/client"
)

var (
	apiURL     string
	apiToken   string
	jsonOutput bool
)

const defaultAPIURL = "http://localhost:8080"

// rootCmd is the base command
var rootCmd = &cobra.Command{
	Use:   "yandex-auth",
	Short: "Link Yandex accounts through the credential broker",
	Long: `yandex-auth drives the credential broker's login flows from a terminal
and manages the accounts it stores.

Environment Variables:
  YANDEX_BROKER_URL    Broker API URL (default: http://localhost:8080)
  YANDEX_BROKER_TOKEN  Host token sent as a bearer token`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Broker API URL (overrides YANDEX_BROKER_URL)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Host token (overrides YANDEX_BROKER_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON instead of human-readable text")
}

// GetAPIURL returns the API URL from flag, env, or default (in priority order)
func GetAPIURL() string {
	if apiURL != "" {
		return apiURL
	}
	if envURL := os.Getenv("YANDEX_BROKER_URL"); envURL != "" {
		return envURL
	}
	return defaultAPIURL
}

// GetToken returns the host token from flag or env.
func GetToken() string {
	if apiToken != "" {
		return apiToken
	}
	return os.Getenv("YANDEX_BROKER_TOKEN")
}

// IsJSONOutput returns whether JSON output is requested
func IsJSONOutput() bool {
	return jsonOutput
}

func newClient() *client.Client {
	return client.New(GetAPIURL(), GetToken())
}
