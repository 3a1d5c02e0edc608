// ABOUTME: Issues host bearer tokens for calling the broker API
// ABOUTME: Reads HOST_TOKEN_SECRET and prints a token for the given host and role

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/glebsterx/yandex-smart-home/backend/services"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <host> <viewer|operator> [ttl]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "ttl is a Go duration such as 720h; omit for a token without expiry\n")
		os.Exit(1)
	}

	var ttl time.Duration
	if len(os.Args) > 3 {
		d, err := time.ParseDuration(os.Args[3])
		if err != nil || d < 0 {
			fmt.Fprintf(os.Stderr, "Invalid ttl %q\n", os.Args[3])
			os.Exit(1)
		}
		ttl = d
	}

	tokens, err := services.NewHostTokens(os.Getenv("HOST_TOKEN_SECRET"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "HOST_TOKEN_SECRET: %v\n", err)
		os.Exit(1)
	}

	token, err := tokens.Issue(os.Args[1], os.Args[2], ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(token)
}
