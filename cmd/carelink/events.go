package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cautelapp/carelink/internal/events"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// eventsCmd represents the events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow bracelet events pushed by the server",
	Long: `Print bracelet connection events as the server pushes them: bracelets
joining WiFi and going on or off line. With --notifications, emergency and
heart-rate alerts about monitored adults are printed too.

Runs until interrupted or until the server stream cannot be reopened.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

var eventsNotifications bool

func init() {
	eventsCmd.Flags().BoolVarP(&eventsNotifications, "notifications", "n", false, "Also follow emergency and heart-rate notifications")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if err := a.requireToken(); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	conn := a.connectionStream()
	connSub := conn.Subscribe()
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Disconnect()

	// a nil channel never fires
	var notifications <-chan events.Event
	if eventsNotifications {
		notif := a.notificationStream()
		notifications = notif.Subscribe().C()
		if err := notif.Connect(ctx); err != nil {
			return err
		}
		defer notif.Disconnect()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(cmd.ErrOrStderr(), "Following bracelet events, press Ctrl+C to stop")
	for {
		var ev events.Event
		var ok bool
		select {
		case <-ctx.Done():
			return context.Canceled
		case ev, ok = <-connSub.C():
		case ev, ok = <-notifications:
		}
		if !ok {
			return ErrStreamEnded
		}
		if failed, isFailure := ev.(events.StreamFailed); isFailure {
			return fmt.Errorf("%w: %w", ErrStreamEnded, failed.Err)
		}
		printEvent(out, ev)
	}
}

func printEvent(out io.Writer, ev events.Event) {
	switch e := ev.(type) {
	case events.WifiProvisioned:
		line := fmt.Sprintf("%s  %s joined WiFi %q", stamp(e.ReceivedAt), e.PhysicalDeviceID, e.SSID)
		if e.IP != "" {
			line += " at " + e.IP
		}
		if e.RSSI != 0 {
			line += fmt.Sprintf(" (%d dBm)", e.RSSI)
		}
		fmt.Fprintln(out, line)
	case events.OnlineStatusChanged:
		status := color.RedString("offline")
		if e.Online {
			status = color.GreenString("online")
		}
		fmt.Fprintf(out, "%s  %s is %s\n", stamp(e.ReceivedAt), e.PhysicalDeviceID, status)
	case events.Notification:
		label := fmt.Sprintf("[%s]", e.Type)
		if e.IsEmergency() {
			label = color.New(color.FgRed, color.Bold).Sprint(label)
		}
		line := fmt.Sprintf("%s  %s adult #%d: %s", stamp(e.Timestamp), label, e.AdultID, e.Message)
		if e.Pulse != nil {
			line += fmt.Sprintf(" (pulse %d bpm)", *e.Pulse)
		}
		fmt.Fprintln(out, line)
	}
}

func stamp(t time.Time) string {
	return t.Local().Format("15:04:05")
}
