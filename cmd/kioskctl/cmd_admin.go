package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kioskhub/kioskhub/internal/kioskctl"
	"github.com/spf13/cobra"
)

func init() {
	resetCmd.Flags().String("reason", "", "Reason shown to every device")
	auditCmd.Flags().String("action", "", "Only show entries for this action, e.g. reset or direct")
	auditCmd.Flags().Int("limit", 50, "Maximum entries to show")
	rootCmd.AddCommand(resetCmd, adminCmd, auditCmd)
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Broadcast a room reset to every device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		result, err := kioskctl.Reset(newClient(), kioskctl.ResetRequest{Reason: reason})
		if err != nil {
			return err
		}
		return render(result, func() {
			fmt.Printf("Reset broadcast by %s.\n", dash(result.Source))
		})
	},
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Show the admin dashboard view: devices and recent events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := kioskctl.GetAdmin(newClient())
		if err != nil {
			return err
		}
		return render(state, func() { printAdminTable(state) })
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent operator actions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("action")
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := kioskctl.ListAudit(newClient(), action, limit)
		if err != nil {
			return err
		}
		return render(entries, func() { printAuditTable(entries) })
	},
}

func printAdminTable(state *kioskctl.AdminStateJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tINSTANCE\tSTATUS\tLAST_COMMAND\tLAST_ERROR")
	for _, d := range state.Devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.DeviceType, d.InstanceID, d.Status, dash(d.LastCommand), dash(d.LastError))
	}
	w.Flush()

	if len(state.Events) == 0 {
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tTYPE\tCHANNEL\tDESCRIPTION")
	for _, e := range state.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.At.Local().Format(timeLayout), e.Type, e.Channel, e.Description)
	}
	w.Flush()
}

func printAuditTable(entries []kioskctl.AuditEntryJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTOR\tACTION\tTARGET\tRESULT\tIP")
	for _, e := range entries {
		result := e.Result
		if e.Error != "" {
			result += ": " + e.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(timeLayout), e.Actor, e.Action, dash(e.Target), result, dash(e.IPAddress))
	}
	w.Flush()
}
