package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kioskhub/kioskhub/internal/kioskctl"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

func init() {
	devicesCmd.Flags().String("type", "", "Only show devices of this type")
	rootCmd.AddCommand(devicesCmd)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceType, _ := cmd.Flags().GetString("type")
		devices, err := kioskctl.ListDevices(newClient(), deviceType)
		if err != nil {
			return err
		}
		return render(devices, func() { printDevicesTable(devices) })
	},
}

func printDevicesTable(devices []kioskctl.DeviceJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tINSTANCE\tSTATUS\tTRANSPORT\tLATENCY\tIP\tLAST_SEEN")
	for _, d := range devices {
		latency := "-"
		if d.LatencyMs != nil {
			latency = fmt.Sprintf("%dms", *d.LatencyMs)
		}
		lastSeen := "-"
		if d.LastSeenAt != nil {
			lastSeen = d.LastSeenAt.Local().Format(timeLayout)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.DeviceType, d.InstanceID, d.Status, dash(d.Transport), latency, dash(d.IP), lastSeen)
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
