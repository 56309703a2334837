// Command ads is the command-line client for the ads daemon.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:9090"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree writing to out.
func newRootCmd(out io.Writer) *cobra.Command {
	var (
		serverURL string
		token     string
		timeout   time.Duration
	)
	cli := &Client{}

	root := &cobra.Command{
		Use:           "ads",
		Short:         "Command-line client for the ads task orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cli.BaseURL = strings.TrimRight(serverURL, "/")
			cli.Token = token
			cli.HTTPClient = &http.Client{Timeout: timeout}
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&serverURL, "server", envOr("ADS_SERVER", defaultServer), "ads server URL (or $ADS_SERVER)")
	flags.StringVar(&token, "token", os.Getenv("ADS_TOKEN"), "JWT auth token (or $ADS_TOKEN)")
	flags.DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		newVersionCmd(),
		newLoginCmd(cli),
		newStatusCmd(cli),
		newTasksCmd(cli),
		newTaskCmd(cli),
		newQueueCmd(cli),
		newAgentsCmd(cli),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
