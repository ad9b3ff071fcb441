package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/cautelapp/carelink/internal/provisioning"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for bracelets nearby",
	Long: `Scan for CautelApp bracelets advertising over Bluetooth LE.

Bracelets are listed strongest signal first. Use the ADDRESS column with
'carelink provision' to set one up.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Show every BLE peripheral, not only bracelets")
}

func runScan(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	format, err := outputFormat(scanFormat, a.cfg.OutputFormat)
	if err != nil {
		return err
	}
	if scanDuration > 0 {
		a.cfg.ScanWindow = scanDuration
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	m, err := a.machine(nil, profile.StaticCapturer{}, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	var filter *device.ScanFilter
	if scanAll {
		filter = &device.ScanFilter{}
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for bracelets", "scanning", a.cfg.ScanWindow)
	progress.Start()
	found, err := m.StartScan(ctx, filter)
	progress.Stop()
	// the session stays open for a provision handover; nothing follows here
	defer m.Cancel()

	switch {
	case errors.Is(err, provisioning.ErrNoDevicesFound):
		fmt.Fprintln(cmd.OutOrStdout(), "No bracelets found")
		return nil
	case err != nil:
		return err
	}

	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), found)
	}
	return writePeripheralTable(cmd.OutOrStdout(), found)
}

func writePeripheralTable(out io.Writer, ps []device.Peripheral) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSIGNAL")
	for _, p := range ps {
		name := p.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, p.ID, p.RSSI, signalLabel(p.SignalQuality()))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d bracelet(s) found\n", len(ps))
	return nil
}

func signalLabel(q device.SignalQuality) string {
	switch q {
	case device.SignalExcellent, device.SignalGood:
		return color.GreenString(string(q))
	case device.SignalFair:
		return color.YellowString(string(q))
	default:
		return color.RedString(string(q))
	}
}

// outputFormat resolves --format against the configured default
func outputFormat(flag, configured string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(flag))
	if f == "" {
		f = configured
	}
	switch f {
	case "table", "json":
		return f, nil
	}
	return "", fmt.Errorf("invalid format '%s': must be one of [table json]", flag)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
