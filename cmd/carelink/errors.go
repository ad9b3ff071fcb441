package main

import (
	"errors"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/provisioning"
)

// Command-level errors
var (
	ErrNoToken = errors.New("not signed in: pass --token or set CARELINK_TOKEN")

	// ErrStreamEnded is returned by events when the server stream gave up reconnecting
	ErrStreamEnded = errors.New("event stream ended")

	ErrAdultNotOwned = errors.New("adult is not monitored with one of your bracelets")
)

// FormatUserError turns an error into the one line shown to the caregiver.
// Server messages are shown verbatim.
func FormatUserError(err error) string {
	var fe *provisioning.FailedError
	switch {
	case errors.As(err, &fe):
		return fe.UserMessage()
	case errors.Is(err, provisioning.ErrNoDevicesFound):
		return "No bracelets found nearby. Check the bracelet is charged and close by."
	case errors.Is(err, provisioning.ErrSessionInProgress):
		return "Another bracelet is still being set up. Wait for it to finish and try again."
	case errors.Is(err, provisioning.ErrNothingPending):
		return "No bracelet is waiting to be linked."
	case errors.Is(err, provisioning.ErrCancelled):
		return "Setup cancelled."
	case errors.Is(err, device.ErrTransportUnavailable):
		return "Bluetooth is off or not supported. Turn it on and try again."
	case errors.Is(err, backend.ErrUnauthorized):
		return "Your session expired. Sign in again."
	case errors.Is(err, backend.ErrNetworkUnavailable):
		return "Network unavailable. Check your connection and retry."
	}
	if msg, ok := backend.ServerMessage(err); ok {
		return msg
	}
	return err.Error()
}
