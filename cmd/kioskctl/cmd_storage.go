package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/kioskhub/kioskhub/internal/kioskctl"
	"github.com/spf13/cobra"
)

func init() {
	storageSetCmd.Flags().Bool("persist", false, "Make every key in the patch durable")
	storageSetCmd.Flags().StringSlice("persist-keys", nil, "Make only these keys durable")
	storageCmd.AddCommand(storageGetCmd, storageSetCmd)
	rootCmd.AddCommand(storageCmd)
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Read or modify the shared key/value state",
}

var storageGetCmd = &cobra.Command{
	Use:   "get [key...]",
	Short: "Show storage values, all keys when none are given",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := kioskctl.GetStorage(newClient(), args)
		if err != nil {
			return err
		}
		return render(state, func() {
			keys := make([]string, 0, len(state))
			for k := range state {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tVALUE")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\n", k, state[k])
			}
			w.Flush()
		})
	},
}

var storageSetCmd = &cobra.Command{
	Use:   "set <key=value>...",
	Short: "Merge values into storage",
	Long:  "Merge values into storage. Values that parse as JSON are stored as JSON, anything else as a string.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := kioskctl.ParseAssignments(args)
		if err != nil {
			return err
		}
		persist, _ := cmd.Flags().GetBool("persist")
		persistKeys, _ := cmd.Flags().GetStringSlice("persist-keys")

		changed, err := kioskctl.SetStorage(newClient(), kioskctl.StoragePatch{
			Patch:       patch,
			Persist:     persist,
			PersistKeys: persistKeys,
		})
		if err != nil {
			return err
		}
		return render(map[string][]string{"changedKeys": changed}, func() {
			if len(changed) == 0 {
				fmt.Println("No values changed.")
				return
			}
			fmt.Printf("Changed: %s\n", strings.Join(changed, ", "))
		})
	},
}
