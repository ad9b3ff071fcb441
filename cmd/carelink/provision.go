package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/cautelapp/carelink/internal/provisioning"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision [peripheral-address]",
	Short: "Hand WiFi credentials to a bracelet and link it",
	Long: `Connect to a bracelet over Bluetooth LE, send it the WiFi network it should
join, wait until it reports it is online and link it to the adult who wears it.

Without an address the command scans first and asks which bracelet to use.
When linking fails after the bracelet joined WiFi, run it again with --resume
to retry without touching the bracelet.`,
	Example: `  carelink provision C4:4F:33:12:9A:01 --ssid home --name "Rosa Díaz" --birth-date 1948-03-12
  carelink provision --ssid home
  carelink provision --resume`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProvision,
}

var (
	provisionSSID      string
	provisionPassword  string
	provisionUserID    string
	provisionName      string
	provisionBirthDate string
	provisionAddress   string
	provisionResume    bool
)

func init() {
	provisionCmd.Flags().StringVar(&provisionSSID, "ssid", "", "WiFi network the bracelet should join")
	provisionCmd.Flags().StringVar(&provisionPassword, "password", "", "WiFi password (prompted when omitted)")
	provisionCmd.Flags().StringVar(&provisionUserID, "user-id", "", "Caregiver user id (default from the token)")
	provisionCmd.Flags().StringVar(&provisionName, "name", "", "Adult name; skips the interactive profile form")
	provisionCmd.Flags().StringVar(&provisionBirthDate, "birth-date", "", "Adult birth date (YYYY-MM-DD)")
	provisionCmd.Flags().StringVar(&provisionAddress, "address", "", "Adult address")
	provisionCmd.Flags().BoolVar(&provisionResume, "resume", false, "Link the bracelet that already joined WiFi but was never linked")
}

func runProvision(cmd *cobra.Command, args []string) error {
	if provisionResume && (len(args) > 0 || provisionSSID != "") {
		return errors.New("--resume takes no address or --ssid")
	}
	if !provisionResume && provisionSSID == "" {
		return errors.New("--ssid is required")
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if err := a.requireToken(); err != nil {
		return err
	}
	userID, err := a.userID(provisionUserID)
	if err != nil {
		return err
	}
	in := profile.NewLineReader(cmd.InOrStdin())
	capturer, err := profileCapturer(in, cmd.OutOrStdout(), a.logger)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	stream := a.connectionStream()
	if err := stream.Connect(ctx); err != nil {
		return err
	}
	defer stream.Disconnect()

	reg := a.registry(userID)
	m, err := a.machine(stream, capturer, reg)
	if err != nil {
		return err
	}

	transitions, stop := m.Watch()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printTransitions(cmd.ErrOrStderr(), transitions, a.cfg.ConfirmationTimeout)
	}()

	// Ctrl+C must clean up at once, even while a prompt or the bracelet blocks
	interrupted := make(chan struct{})
	stopInterrupt := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		if cerr := m.Cancel(); cerr != nil {
			a.logger.WithError(cerr).Warn("Cleanup after interrupt was incomplete")
		}
	})

	var res *provisioning.Result
	if provisionResume {
		res, err = m.Resume(ctx, userID)
	} else {
		res, err = provisionBracelet(ctx, cmd, a, m, in, args, userID)
	}
	for err != nil && ctx.Err() == nil {
		var fe *provisioning.FailedError
		if !errors.As(err, &fe) || !fe.Retryable() {
			break
		}
		fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("%s", fe.UserMessage()))
		again, aerr := askYesNo(ctx, in, cmd.OutOrStdout(), "Retry linking now? [y/N]: ")
		if aerr != nil || !again {
			break
		}
		res, err = m.RetryBind(ctx)
	}
	if !stopInterrupt() {
		<-interrupted
	}
	stop()
	<-printed

	if err != nil {
		var fe *provisioning.FailedError
		if errors.As(err, &fe) && fe.Retryable() {
			fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("The bracelet is on WiFi; run 'carelink provision --resume' to link it."))
		}
		if ctx.Err() != nil && (errors.Is(err, provisioning.ErrCancelled) || errors.Is(err, context.Canceled)) {
			return context.Canceled
		}
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

// provisionBracelet runs sessions until one ends for good. After a
// confirmation timeout it waits for the revert delay and offers to scan and
// pick again.
func provisionBracelet(ctx context.Context, cmd *cobra.Command, a *app, m *provisioning.Machine, in *profile.LineReader, args []string, userID string) (*provisioning.Result, error) {
	var target device.PeripheralID
	if len(args) == 1 {
		target = device.PeripheralID(args[0])
	}

	password := provisionPassword
	passwordRead := cmd.Flags().Changed("password")
	for {
		if target == "" {
			p, err := scanAndPick(ctx, cmd, a, m, in)
			if err != nil {
				return nil, err
			}
			target = p.ID
		}

		if !passwordRead {
			var err error
			if password, err = readPassword(ctx, in, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
				_ = m.Cancel()
				return nil, err
			}
			passwordRead = true
		}

		res, err := m.Provision(ctx, provisioning.Request{
			PeripheralID: target,
			UserID:       userID,
			SSID:         provisionSSID,
			Password:     password,
		})
		var fe *provisioning.FailedError
		if err == nil || !errors.As(err, &fe) || !fe.RevertToSelection() {
			return res, err
		}

		fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("%s", fe.UserMessage()))
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(a.cfg.RevertDelay):
		}
		again, aerr := askYesNo(ctx, in, cmd.OutOrStdout(), "Scan again and pick a bracelet? [y/N]: ")
		if aerr != nil || !again {
			return nil, err
		}
		target = ""
	}
}

// scanAndPick scans for the scan window and asks which bracelet to use
func scanAndPick(ctx context.Context, cmd *cobra.Command, a *app, m *provisioning.Machine, in *profile.LineReader) (device.Peripheral, error) {
	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for bracelets", "scanning", a.cfg.ScanWindow)
	progress.Start()
	found, err := m.StartScan(ctx, nil)
	progress.Stop()
	if err != nil {
		return device.Peripheral{}, err
	}
	p, err := pickPeripheral(ctx, in, cmd.OutOrStdout(), found)
	if err != nil {
		_ = m.Cancel()
		return device.Peripheral{}, err
	}
	return p, nil
}

// pickPeripheral lists the scan results and reads the caregiver's choice
func pickPeripheral(ctx context.Context, in *profile.LineReader, out io.Writer, found []device.Peripheral) (device.Peripheral, error) {
	if len(found) == 1 {
		fmt.Fprintf(out, "Using %s (%s)\n", found[0].Name, found[0].ID)
		return found[0], nil
	}
	for i, p := range found {
		fmt.Fprintf(out, "%2d) %-20s %s  %d dBm\n", i+1, p.Name, p.ID, p.RSSI)
	}
	for {
		fmt.Fprintf(out, "Bracelet [1-%d]: ", len(found))
		line, err := in.ReadLine(ctx)
		if ctx.Err() != nil {
			return device.Peripheral{}, ctx.Err()
		}
		if err != nil && line == "" {
			return device.Peripheral{}, provisioning.ErrCancelled
		}
		n, perr := strconv.Atoi(strings.TrimSpace(line))
		if perr == nil && n >= 1 && n <= len(found) {
			return found[n-1], nil
		}
		fmt.Fprintln(out, color.RedString("Enter a number between 1 and %d", len(found)))
	}
}

// askYesNo reads one answer; anything but y or yes, including end of input, is no
func askYesNo(ctx context.Context, in *profile.LineReader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := in.ReadLine(ctx)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil && line == "" {
		fmt.Fprintln(out)
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// readPassword reads without echo on a terminal, or one line otherwise. Empty means an open network.
func readPassword(ctx context.Context, in *profile.LineReader, raw io.Reader, out io.Writer) (string, error) {
	fmt.Fprintf(out, "WiFi password for %s (empty for an open network): ", provisionSSID)
	if f, ok := raw.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return readTerminalPassword(ctx, int(f.Fd()), out)
	}
	line, err := in.ReadLine(ctx)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprintln(out)
	return strings.TrimRight(line, "\r\n"), nil
}

// readTerminalPassword restores the terminal when ctx ends mid-read
func readTerminalPassword(ctx context.Context, fd int, out io.Writer) (string, error) {
	state, err := term.GetState(fd)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	type answer struct {
		b   []byte
		err error
	}
	answers := make(chan answer, 1)
	go func() {
		b, err := term.ReadPassword(fd)
		answers <- answer{b: b, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = term.Restore(fd, state)
		fmt.Fprintln(out)
		return "", ctx.Err()
	case a := <-answers:
		fmt.Fprintln(out)
		if a.err != nil {
			return "", fmt.Errorf("failed to read password: %w", a.err)
		}
		return string(a.b), nil
	}
}

// profileCapturer uses the profile flags when --name is given, the interactive form otherwise
func profileCapturer(in *profile.LineReader, out io.Writer, logger *logrus.Logger) (profile.Capturer, error) {
	if provisionName == "" {
		if provisionBirthDate != "" || provisionAddress != "" {
			return nil, errors.New("--birth-date and --address need --name")
		}
		return profile.NewPromptCapturer(in, out, logger), nil
	}
	bd, err := profile.ParseBirthDate(provisionBirthDate)
	if err != nil {
		return nil, err
	}
	return profile.StaticCapturer{Adult: &profile.Adult{
		Name:      provisionName,
		BirthDate: bd,
		Address:   provisionAddress,
	}}, nil
}

var stateLabels = map[provisioning.State]string{
	provisioning.Scanning:                "Scanning for bracelets",
	provisioning.Connecting:              "Connecting to the bracelet",
	provisioning.SendingCredentials:      "Sending WiFi credentials",
	provisioning.CheckingExistingBinding: "Checking whether the bracelet is already linked",
	provisioning.CapturingProfile:        "Waiting for the adult profile",
	provisioning.Binding:                 "Linking the bracelet",
}

// printTransitions writes one line per state change until transitions is closed
func printTransitions(out io.Writer, transitions <-chan provisioning.Transition, confirmTimeout time.Duration) {
	var progress *ProgressPrinter
	stopProgress := func() {
		if progress != nil {
			progress.Stop()
			progress = nil
		}
	}
	defer stopProgress()

	for t := range transitions {
		stopProgress()
		switch t.To {
		case provisioning.AwaitingConfirmation:
			fmt.Fprintln(out, "Waiting for the bracelet to join WiFi")
			progress = NewCountdownProgressPrinter(out, "Waiting for the bracelet", "confirming", confirmTimeout)
			progress.Start()
		case provisioning.Bound:
			fmt.Fprintln(out, color.GreenString("Done"))
		case provisioning.Failed:
			fmt.Fprintln(out, color.RedString("Failed: %s", t.Reason))
		case provisioning.Cancelled:
			fmt.Fprintln(out, color.YellowString("Cancelled"))
		default:
			if label, ok := stateLabels[t.To]; ok {
				fmt.Fprintln(out, label)
			}
		}
	}
}

func printResult(out io.Writer, res *provisioning.Result) {
	if res.AlreadyBound || res.Device == nil {
		fmt.Fprintf(out, "Bracelet %s was already linked; its WiFi settings were updated\n", res.PhysicalDeviceID)
		return
	}
	fmt.Fprintf(out, "Bracelet %s linked to %s (adult #%d), confirmed via %s\n",
		res.PhysicalDeviceID, res.Device.AdultName, res.Device.AdultID, res.ConfirmedVia)
}
