package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/cautelapp/carelink/internal/provisioning"
	"github.com/cautelapp/carelink/internal/registry"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List owned, shared, pending and nearby bracelets",
	Long: `List every bracelet the caregiver can see: bracelets they own, bracelets
shared with them through a group, a bracelet that joined WiFi but was never
linked, and with --scan the bracelets nearby over Bluetooth LE. Bracelets
set up from this machine are recognised by their Bluetooth address.

Use 'carelink devices edit' to change the profile of a monitored adult.`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

var (
	devicesFormat string
	devicesScan   bool
	devicesUserID string
)

func init() {
	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "", "Output format (table, json)")
	devicesCmd.Flags().BoolVar(&devicesScan, "scan", false, "Also scan for bracelets nearby")
	devicesCmd.Flags().StringVar(&devicesUserID, "user-id", "", "Caregiver user id for shared bracelets (default from the token)")
}

// devicesView is the JSON shape of the devices command
type devicesView struct {
	Devices []registry.UnifiedDevice `json:"devices"`
	Nearby  []device.Peripheral      `json:"nearby,omitempty"`
}

func runDevices(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if err := a.requireToken(); err != nil {
		return err
	}
	format, err := outputFormat(devicesFormat, a.cfg.OutputFormat)
	if err != nil {
		return err
	}
	// shared bracelets need the user id; without one only owned bracelets are listed
	userID, err := a.userID(devicesUserID)
	if err != nil {
		a.logger.WithError(err).Warn("Unknown user id, skipping shared bracelets")
		userID = ""
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	reg := a.registry(userID)
	if err := reg.Refresh(ctx); err != nil {
		return err
	}

	if devicesScan {
		m, err := a.machine(nil, profile.StaticCapturer{}, reg)
		if err != nil {
			return err
		}
		reg.ClearPresence()
		progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for bracelets", "scanning", a.cfg.ScanWindow)
		progress.Start()
		_, err = m.StartScan(ctx, nil)
		progress.Stop()
		_ = m.Cancel()
		if err != nil && !errors.Is(err, provisioning.ErrNoDevicesFound) {
			return err
		}
	}

	devices, nearby := reg.View()
	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), devicesView{Devices: devices, Nearby: nearby})
	}
	return writeDevicesTable(cmd.OutOrStdout(), devices, nearby)
}

func writeDevicesTable(out io.Writer, devices []registry.UnifiedDevice, nearby []device.Peripheral) error {
	if len(devices) == 0 && len(nearby) == 0 {
		fmt.Fprintln(out, "No bracelets yet. Run 'carelink provision' to set one up.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHYSICAL ID\tSOURCE\tADULT\tBATTERY\tWIFI\tBLE\tLAST ACTIVITY")
	for _, d := range devices {
		adult := d.AdultName
		if d.AdultID > 0 {
			adult = fmt.Sprintf("%s (#%d)", d.AdultName, d.AdultID)
		}
		if adult == "" {
			adult = "-"
		}
		battery := "-"
		if d.Battery > 0 {
			battery = strconv.Itoa(d.Battery) + "%"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.PhysicalDeviceID, d.Source, adult, battery,
			yesNo(d.OnlineViaWifi), yesNo(d.NearbyViaBLE), d.Activity)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(nearby) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Nearby, not set up:")
		if err := writePeripheralTable(out, nearby); err != nil {
			return err
		}
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return color.GreenString("yes")
	}
	return "no"
}
