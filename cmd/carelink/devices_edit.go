package main

import (
	"fmt"
	"strconv"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/spf13/cobra"
)

// devicesEditCmd represents the devices edit command
var devicesEditCmd = &cobra.Command{
	Use:   "edit <adult-id>",
	Short: "Change the profile of an adult who wears a linked bracelet",
	Long: `Update the name, birth date or address of a monitored adult.

With any of --name, --birth-date or --address only those fields change.
Without them the profile form opens with the current values as defaults.`,
	Example: `  carelink devices edit 7 --address "Calle 2"
  carelink devices edit 7`,
	Args: cobra.ExactArgs(1),
	RunE: runDevicesEdit,
}

var (
	editName      string
	editBirthDate string
	editAddress   string
)

func init() {
	devicesEditCmd.Flags().StringVar(&editName, "name", "", "New adult name")
	devicesEditCmd.Flags().StringVar(&editBirthDate, "birth-date", "", "New birth date (YYYY-MM-DD), empty to clear")
	devicesEditCmd.Flags().StringVar(&editAddress, "address", "", "New address, empty to clear")
	devicesCmd.AddCommand(devicesEditCmd)
}

func runDevicesEdit(cmd *cobra.Command, args []string) error {
	adultID, err := strconv.Atoi(args[0])
	if err != nil || adultID <= 0 {
		return fmt.Errorf("invalid adult id %q", args[0])
	}
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

	owned, err := a.client.ListMine(ctx)
	if err != nil {
		return err
	}
	var current *backend.BoundDevice
	for i := range owned {
		if owned[i].AdultID == adultID {
			current = &owned[i]
			break
		}
	}
	if current == nil {
		return fmt.Errorf("%w: adult #%d", ErrAdultNotOwned, adultID)
	}

	adult := current.Adult()
	flags := cmd.Flags()
	if flags.Changed("name") || flags.Changed("birth-date") || flags.Changed("address") {
		if flags.Changed("name") {
			adult.Name = editName
		}
		if flags.Changed("birth-date") {
			if adult.BirthDate, err = profile.ParseBirthDate(editBirthDate); err != nil {
				return err
			}
		}
		if flags.Changed("address") {
			adult.Address = editAddress
		}
	} else {
		form := profile.NewPromptCapturer(profile.NewLineReader(cmd.InOrStdin()), cmd.OutOrStdout(), a.logger)
		edited, err := form.Capture(ctx, &adult)
		if err != nil {
			return err
		}
		if edited == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing changed")
			return nil
		}
		adult = *edited
	}

	if err := a.client.UpdateAdult(ctx, adultID, adult); err != nil {
		return err
	}
	adult = adult.Normalized()
	fmt.Fprintf(cmd.OutOrStdout(), "Updated adult #%d: %s\n", adultID, adult.Name)
	return nil
}
