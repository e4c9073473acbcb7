package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kioskhub/kioskhub/internal/kioskctl"
	"github.com/spf13/cobra"
)

const (
	defaultHubURL = "http://localhost:8420"
	envHubURL     = "KIOSKCTL_HUB_URL"
	envOperator   = "KIOSKCTL_OPERATOR"
)

var (
	hubURL   string
	operator string
	format   string
)

var rootCmd = &cobra.Command{
	Use:           "kioskctl",
	Short:         "Operate a kioskhub from the command line",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if format != "table" && format != "json" {
			return fmt.Errorf("invalid --format %q (want table or json)", format)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub-url", envOr(envHubURL, defaultHubURL), "Hub HTTP API URL (or set "+envHubURL+")")
	rootCmd.PersistentFlags().StringVar(&operator, "operator", envOr(envOperator, currentUser()), "Name recorded in the audit log (or set "+envOperator+")")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format: table or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient() *kioskctl.HTTPClient {
	return kioskctl.NewHTTPClient(hubURL, operator)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return "kioskctl:" + u
	}
	return "kioskctl"
}

// render prints data as JSON or hands it to the table printer.
func render(data interface{}, table func()) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	table()
	return nil
}
