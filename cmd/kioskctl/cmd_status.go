package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kioskhub/kioskhub/internal/kioskctl"
	"github.com/spf13/cobra"
)

func init() {
	statusCmd.Flags().String("note", "", "Note stored with the transition")
	statusCmd.Flags().Duration("duration", 0, "Session length for start or restart, e.g. 45m")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [start|pause|restart|win]",
	Short: "Show the session status or run a lifecycle command",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var (
			status *kioskctl.StatusJSON
			err    error
		)
		if len(args) == 0 {
			status, err = kioskctl.GetStatus(client)
		} else {
			note, _ := cmd.Flags().GetString("note")
			duration, _ := cmd.Flags().GetDuration("duration")
			req := kioskctl.StatusRequest{Note: note, Operator: operator}
			if duration > 0 {
				secs := duration.Seconds()
				req.DurationSeconds = &secs
			}
			status, err = kioskctl.SendStatusCommand(client, args[0], req)
		}
		if err != nil {
			return err
		}
		return render(status, func() { printStatusTable(status) })
	},
}

func printStatusTable(s *kioskctl.StatusJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "PHASE\t%s\n", s.Status.Phase)
	if s.Status.Result != "" {
		fmt.Fprintf(w, "RESULT\t%s\n", s.Status.Result)
	}
	fmt.Fprintf(w, "REMAINING\t%s\n", (time.Duration(s.Timer.RemainingMs) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(w, "TOTAL\t%s\n", (time.Duration(s.Timer.TotalMs) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(w, "NOTE\t%s\n", dash(s.Status.Note))
	fmt.Fprintf(w, "OPERATOR\t%s\n", dash(s.Status.Operator))
	if s.Status.At > 0 {
		fmt.Fprintf(w, "CHANGED_AT\t%s\n", time.UnixMilli(s.Status.At).Local().Format(timeLayout))
	}
	w.Flush()
}
