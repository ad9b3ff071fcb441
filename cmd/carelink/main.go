package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "carelink",
	Short: "Set up and follow CautelApp bracelets",
	Long: `Caregiver tool for CautelApp elder-care bracelets:

- Scan for bracelets nearby over Bluetooth LE
- Hand WiFi credentials to a bracelet and wait for it to come online
- Link the bracelet to the adult who wears it
- List owned, shared, nearby and pending bracelets
- Follow connection and emergency events pushed by the server`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints the error itself
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("carelink %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(unbindCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "YAML config file (default $CARELINK_CONFIG)")
	rootCmd.PersistentFlags().String("api-url", "", "Backend base URL (default from config or $CARELINK_API_URL)")
	rootCmd.PersistentFlags().String("token", "", "Caregiver session token (default $CARELINK_TOKEN)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
