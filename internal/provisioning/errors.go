package provisioning

import (
	"errors"
	"fmt"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/profile"
)

var (
	ErrSessionInProgress = errors.New("a provisioning session is already waiting for confirmation")
	ErrNoDevicesFound    = errors.New("no bracelets found")
	ErrCancelled         = errors.New("provisioning cancelled")
	ErrNothingPending    = errors.New("no pending binding to resume")
	ErrNothingToRetry    = errors.New("no failed binding to retry")
	ErrInvalidRequest    = errors.New("invalid provisioning request")

	// session cancellation causes
	errPreempted      = errors.New("preempted by a new session")
	errConnectionLost = errors.New("bracelet link dropped")
)

// FailedError is returned for a session that ended in Failed.
type FailedError struct {
	Reason Reason
	Err    error

	// Retained is the captured profile kept for RetryBind, when retention is enabled
	Retained *profile.Adult
}

func (e *FailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provisioning failed: %s", e.Reason)
	}
	return fmt.Sprintf("provisioning failed: %s: %v", e.Reason, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// RevertToSelection reports whether the caller should go back to device selection
func (e *FailedError) RevertToSelection() bool {
	return e.Reason == ReasonConfirmationTimeout
}

// Retryable reports whether RetryBind can continue this session
func (e *FailedError) Retryable() bool {
	return e.Reason == ReasonBindRejected || e.Reason == ReasonNetworkUnavailable
}

// UserMessage is the short text shown to the caregiver.
// A bind rejection shows the server message verbatim when there is one.
func (e *FailedError) UserMessage() string {
	switch e.Reason {
	case ReasonTransportUnavailable:
		return "Bluetooth is off or not supported. Turn it on and try again."
	case ReasonConnectionFailed:
		return "Could not connect to the bracelet. Scan again and retry."
	case ReasonWriteFailed:
		return "Sending the WiFi credentials failed. Restart the bracelet and try again."
	case ReasonConfirmationTimeout:
		return "The bracelet did not confirm the WiFi connection. Check the network and password and try again."
	case ReasonBindRejected:
		if msg, ok := backend.ServerMessage(e.Err); ok {
			return msg
		}
		return "The server rejected the bracelet binding."
	case ReasonNetworkUnavailable:
		return "Network unavailable. Check your connection and retry."
	case ReasonConnectionLost:
		return "The connection to the bracelet was lost."
	case ReasonDeviceReportedFailure:
		return "The bracelet could not join the WiFi network. Check the password."
	default:
		return "Provisioning failed."
	}
}

// reasonFor classifies err, falling back to the reason of the failing step
func reasonFor(err error, fallback Reason) Reason {
	switch {
	case errors.Is(err, device.ErrTransportUnavailable):
		return ReasonTransportUnavailable
	case errors.Is(err, backend.ErrNetworkUnavailable):
		return ReasonNetworkUnavailable
	case errors.Is(err, backend.ErrBindRejected):
		return ReasonBindRejected
	default:
		return fallback
	}
}
