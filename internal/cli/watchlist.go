package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/Hara602/usbAudit/internal/registry"
	"github.com/spf13/cobra"
)

var watchReason string

func init() {
	watchAddCmd.Flags().StringVar(&watchReason, "reason", "", "why the device is watched")
	watchlistCmd.AddCommand(watchAddCmd, watchListCmd, watchRemoveCmd)
	rootCmd.AddCommand(watchlistCmd, devicesCmd)
}

var watchlistCmd = &cobra.Command{
	Use:   "watchlist",
	Short: "Manage devices that raise an alert whenever they are attached",
}

var watchAddCmd = &cobra.Command{
	Use:   "add <vid> <pid> [serial]",
	Short: "Add a watch rule; empty or '*' fields match any value",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial := ""
		if len(args) == 3 {
			serial = args[2]
		}
		return withRegistry(func(r *registry.Registry) error {
			if err := r.AddWatch(args[0], args[1], serial, watchReason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "👀 watching %s:%s:%s\n", args[0], args[1], orWild(serial))
			return nil
		})
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove <vid> <pid> [serial]",
	Short: "Remove a watch rule",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial := ""
		if len(args) == 3 {
			serial = args[2]
		}
		return withRegistry(func(r *registry.Registry) error {
			ok, err := r.RemoveWatch(args[0], args[1], serial)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no watch rule for %s:%s:%s", args[0], args[1], orWild(serial))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed")
			return nil
		})
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watch rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(r *registry.Registry) error {
			rules, err := r.Watchlist()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VID\tPID\tSERIAL\tREASON\tADDED")
			for _, e := range rules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.VendorID, e.ProductID, e.Serial, e.Reason, e.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		})
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices seen so far",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(r *registry.Registry) error {
			devs, err := r.Devices()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRODUCT\tLABEL\tFIRST SEEN\tLAST SEEN\tATTACHES")
			for _, d := range devs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", d.ID, d.Product, d.Label,
					d.FirstSeen.Local().Format(time.DateTime), d.LastSeen.Local().Format(time.DateTime), d.AttachCount)
			}
			return w.Flush()
		})
	},
}

func withRegistry(fn func(*registry.Registry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

func orWild(s string) string {
	if s == "" {
		return registry.Wildcard
	}
	return s
}
