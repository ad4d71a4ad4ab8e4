package cmd

import (
	"fmt"

	"github.com/google/gousb"
	"github.com/spf13/cobra"

	"github.com/anshi233/xvc-server-d2xx/pkg/ftdi"
)

var emitConfig bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List connected FTDI adapters",
	Long: `Discover enumerates FTDI devices through the vendor driver and, where
possible, adds USB bus positions from libusb. With --emit-config it
prints a configuration file with one instance mapping per adapter,
ready for xvcd serve.

Examples:
  xvcd discover
  xvcd discover --emit-config > /etc/xvcd/xvcd.conf`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().BoolVar(&emitConfig, "emit-config", false,
		"print a config file for the discovered adapters")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	devices, err := ftdi.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No FTDI devices found.")
		return nil
	}

	locations := usbLocations()

	if emitConfig {
		fmt.Printf("# Generated by xvcd discover: %d adapter(s)\n", len(devices))
		fmt.Printf("[instance_management]\nenabled = true\nbase_port = %d\n\n", 2542)
		fmt.Println("[instance_mappings]")
		for i, d := range devices {
			if d.Serial != "" {
				fmt.Printf("%d = SN:%s\n", i+1, d.Serial)
			} else {
				fmt.Printf("%d = IDX:%d\n", i+1, d.Index)
			}
		}
		return nil
	}

	for _, d := range devices {
		loc := locations[d.Serial]
		if loc == "" {
			loc = "unknown"
		}
		fmt.Printf("index %d: %-8s serial %-16q bus %s\n", d.Index, d.Type, d.Serial, loc)
	}
	return nil
}

// usbLocations maps serial numbers to "bus:addr" via libusb. Best effort:
// adapters in use by another process simply stay unlisted.
func usbLocations() map[string]string {
	out := make(map[string]string)
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(ftdi.VendorID)
	})
	if err != nil && len(devs) == 0 {
		return out
	}
	for _, d := range devs {
		if serial, err := d.SerialNumber(); err == nil && serial != "" {
			out[serial] = fmt.Sprintf("%d:%d", d.Desc.Bus, d.Desc.Address)
		}
		d.Close()
	}
	return out
}
