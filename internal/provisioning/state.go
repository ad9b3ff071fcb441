// Package provisioning drives one bracelet from BLE discovery to a backend
// binding: connect, hand over WiFi credentials, wait for the first
// confirmation from either the bracelet or the server, then bind it to an
// adult profile.
//
// A Machine owns at most one session. Transitions are serialized under the
// machine mutex and published in order through Watch.
package provisioning

import (
	"time"
)

// State is a provisioning phase
type State string

const (
	Idle                    State = "idle"
	Scanning                State = "scanning"
	Connecting              State = "connecting"
	Connected               State = "connected"
	SendingCredentials      State = "sending_credentials"
	AwaitingConfirmation    State = "awaiting_confirmation"
	CheckingExistingBinding State = "checking_existing_binding"
	CapturingProfile        State = "capturing_profile"
	Binding                 State = "binding"
	Bound                   State = "bound"
	Failed                  State = "failed"
	Cancelled               State = "cancelled"
)

// IsTerminal reports whether the session ended in this state
func (s State) IsTerminal() bool {
	return s == Bound || s == Failed || s == Cancelled
}

// order ranks the happy path; terminal and idle states rank zero
var order = map[State]int{
	Scanning:                1,
	Connecting:              2,
	Connected:               3,
	SendingCredentials:      4,
	AwaitingConfirmation:    5,
	CheckingExistingBinding: 6,
	CapturingProfile:        7,
	Binding:                 8,
}

// pastCredentials reports whether credentials already reached the bracelet
func (s State) pastCredentials() bool {
	return order[s] >= order[AwaitingConfirmation]
}

// starts are the states a new session may begin with
var starts = []State{Scanning, Connecting, CheckingExistingBinding}

var forward = map[State][]State{
	Scanning:                {Idle, Scanning, Connecting},
	Connecting:              {Connected},
	Connected:               {SendingCredentials},
	SendingCredentials:      {AwaitingConfirmation},
	AwaitingConfirmation:    {CheckingExistingBinding},
	CheckingExistingBinding: {CapturingProfile, Bound},
	CapturingProfile:        {Binding},
	Binding:                 {Bound},
	Failed:                  {Idle},
}

func canTransition(from, to State) bool {
	if to == Failed || to == Cancelled {
		return !from.IsTerminal()
	}
	if from == Idle || from.IsTerminal() {
		for _, s := range starts {
			if s == to {
				return true
			}
		}
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason classifies a Failed state
type Reason string

const (
	ReasonTransportUnavailable  Reason = "transport_unavailable"
	ReasonConnectionFailed      Reason = "connection_failed"
	ReasonWriteFailed           Reason = "write_failed"
	ReasonConfirmationTimeout   Reason = "confirmation_timeout"
	ReasonBindRejected          Reason = "bind_rejected"
	ReasonNetworkUnavailable    Reason = "network_unavailable"
	ReasonConnectionLost        Reason = "connection_lost"
	ReasonDeviceReportedFailure Reason = "device_reported_failure"

	// ReasonReverted marks the automatic Failed to Idle move after a confirmation timeout
	ReasonReverted Reason = "reverted"
)

// Transition is one state change of the machine.
type Transition struct {
	Session string
	From    State
	To      State
	Reason  Reason
	Err     error
	At      time.Time
}
