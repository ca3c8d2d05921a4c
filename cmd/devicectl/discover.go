package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/registry"
)

var (
	discoverAll    bool
	discoverFormat string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover iOS and Android devices",
	Long:  "Walks every configured driver and prints the merged device catalog. By default only devices each driver reports as available are shown: connected hardware, running emulators, and installed iOS simulators in any state; pass --all to include disconnected devices, stopped emulators and unavailable simulators too.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := buildDefaultRegistry()
		if err != nil {
			return err
		}
		records, err := reg.Discover(cmd.Context(), !discoverAll)
		if err != nil {
			return err
		}

		snapshots := make([]device.Snapshot, 0, len(records))
		for _, rec := range records {
			snapshots = append(snapshots, rec.Snapshot())
		}

		switch discoverFormat {
		case "yaml":
			return registry.PresentListYAML(os.Stdout, snapshots)
		case "table", "":
			return printDeviceTable(os.Stdout, snapshots)
		default:
			return fmt.Errorf("unknown --format %q (want table or yaml)", discoverFormat)
		}
	},
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverAll, "all", false, "include shutdown/disconnected devices")
	discoverCmd.Flags().StringVar(&discoverFormat, "format", "table", "output format: table or yaml")
	rootCmd.AddCommand(discoverCmd)
}

func printDeviceTable(w *os.File, snapshots []device.Snapshot) error {
	if len(snapshots) == 0 {
		fmt.Fprintln(w, "No devices found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tOS\tKIND\tNAME\tSTATE\tORIENTATION")
	for _, s := range snapshots {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.OS, s.Kind, s.Name, s.State, s.Orientation)
	}
	return tw.Flush()
}
