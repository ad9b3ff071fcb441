package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// unbindCmd represents the unbind command
var unbindCmd = &cobra.Command{
	Use:   "unbind <adult-id>",
	Short: "Stop monitoring an adult",
	Long: `Stop monitoring the adult with the given id. The bracelet is released and
can be provisioned again for someone else.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnbind,
}

func runUnbind(cmd *cobra.Command, args []string) error {
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

	if err := a.client.StopMonitoring(ctx, adultID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped monitoring adult #%d\n", adultID)
	return nil
}
