// othello-probe talks to a running othello-server for smoke checks.
//
// Usage:
//
//	othello-probe health                       - GET /health
//	othello-probe daily [date]                 - show the daily challenge
//	othello-probe create --player alice        - host a session and print frames
//	othello-probe join <session> --player bob  - join a session and print frames
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagServer  string
	flagTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "othello-probe",
	Short:         "Smoke-test an othello-server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", envDefault("OTHELLO_SERVER", "http://localhost:8080"), "Server base URL")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 8*time.Second, "HTTP request timeout")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(dailyCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(joinCmd)
}

func baseURL() string { return strings.TrimRight(flagServer, "/") }

// wsURL maps the HTTP base URL to the /ws endpoint.
func wsURL() string {
	u := baseURL()
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func envDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
