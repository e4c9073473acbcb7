package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kioskhub/kioskhub/internal/kioskctl"
	"github.com/spf13/cobra"
)

func init() {
	directCmd.Flags().String("payload", "", "JSON payload for the command")
	directCmd.Flags().String("instance", "", "Deliver only to this instance")
	rootCmd.AddCommand(directCmd)
}

var directCmd = &cobra.Command{
	Use:   "direct <target> <command>",
	Short: "Send a command to every device of a type",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, _ := cmd.Flags().GetString("payload")
		instance, _ := cmd.Flags().GetString("instance")

		req := kioskctl.DirectRequest{
			Target:           args[0],
			Command:          args[1],
			TargetInstanceID: instance,
			Source:           "kioskctl",
		}
		if payload != "" {
			req.Payload = json.RawMessage(payload)
		}

		result, err := kioskctl.Direct(newClient(), req)
		if err != nil {
			return err
		}
		return render(result, func() { printDirectTable(result) })
	},
}

func printDirectTable(r *kioskctl.DirectResultJSON) {
	if len(r.Recipients) == 0 {
		fmt.Println("No devices of that type are connected.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "EVENT\t%s\n", r.Event)
	fmt.Fprintln(w, "TYPE\tINSTANCE\tTRANSPORT")
	for _, rc := range r.Recipients {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rc.DeviceType, rc.InstanceID, rc.Transport)
	}
	w.Flush()
}
