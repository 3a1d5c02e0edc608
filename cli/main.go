// ABOUTME: Entry point for the yandex-auth CLI
// ABOUTME: Drives broker login flows and manages linked accounts from a terminal

package main

import (
	"fmt"
	"os"

	"github.com/glebsterx/yandex-smart-home/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
