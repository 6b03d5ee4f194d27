package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"miio-fan/internal/store"
)

// simCommand inspects and clears the simulator's saved property values.
func (a *app) simCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Inspect or reset the simulated fan state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "state",
		Short: "Print the saved property values of every simulated device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := store.NewBoltStore(a.cfg.Transport.Sim.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			return printStates(cmd.OutOrStdout(), db, jsonOutput(cmd))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset [did]",
		Short: "Forget the saved values of a simulated device (default: device.did)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			did := a.cfg.Device.DID
			if len(args) == 1 {
				did = args[0]
			}
			db, err := store.NewBoltStore(a.cfg.Transport.Sim.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := resetState(db, did); err != nil {
				return err
			}
			a.logger.Info("simulator state reset", "did", did)
			fmt.Fprintf(cmd.OutOrStdout(), "Reset simulated device %s\n", did)
			return nil
		},
	})
	return cmd
}

func printStates(w io.Writer, st store.Store, asJSON bool) error {
	states, err := st.ListStates()
	if err != nil {
		return fmt.Errorf("list states: %w", err)
	}
	if asJSON {
		return json.NewEncoder(w).Encode(states)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DID\tUPDATED\tPROPERTIES")
	for _, s := range states {
		keys := make([]string, 0, len(s.Properties))
		for k := range s.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		props := make([]string, len(keys))
		for i, k := range keys {
			props[i] = fmt.Sprintf("%s=%v", k, s.Properties[k])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.DID, s.UpdatedAt.Format(time.RFC3339), strings.Join(props, " "))
	}
	return tw.Flush()
}

func resetState(st store.Store, did string) error {
	if _, err := st.GetState(did); err != nil {
		return fmt.Errorf("reset %s: %w", did, err)
	}
	return st.DeleteDevice(did)
}
