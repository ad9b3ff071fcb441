package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found on the bracelet
type NotFoundError struct {
	Resource string   // "service", "characteristic", "peripheral"
	UUIDs    []string // One or more ids (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Transport errors. Callers classify failures with errors.Is against these.
var (
	// ErrTransportUnavailable means the platform radio is off or BLE is unsupported.
	// The whole provisioning flow is blocked until the user fixes device settings.
	ErrTransportUnavailable = errors.New("bluetooth unavailable")

	// ErrConnectionFailed is transient; the user retries by scanning again.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrWriteFailed is fatal to the provisioning session.
	ErrWriteFailed = errors.New("characteristic write failed")

	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// PeripheralID is the platform-assigned peripheral identifier (a BLE address on
// Linux, a CoreBluetooth UUID on macOS). It changes across pairing sessions and
// must never be used as a backend binding key.
type PeripheralID string

func (id PeripheralID) String() string {
	return string(id)
}

// PhysicalDeviceID is the identifier baked into the bracelet firmware (e.g. "CA-1").
// All backend binding operations key on it.
type PhysicalDeviceID string

func (id PhysicalDeviceID) String() string {
	return string(id)
}

const maxPhysicalDeviceIDLen = 64

// ErrInvalidPhysicalDeviceID is returned by ParsePhysicalDeviceID
var ErrInvalidPhysicalDeviceID = errors.New("invalid physical device id")

// ParsePhysicalDeviceID validates a raw firmware identifier.
// The value is trimmed; it must be non-empty printable ASCII without whitespace.
func ParsePhysicalDeviceID(raw string) (PhysicalDeviceID, error) {
	s := strings.TrimSpace(strings.TrimRight(raw, "\x00"))
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhysicalDeviceID)
	}
	if len(s) > maxPhysicalDeviceIDLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidPhysicalDeviceID, maxPhysicalDeviceIDLen)
	}
	for _, r := range s {
		if r <= ' ' || r > '~' {
			return "", fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidPhysicalDeviceID, r, s)
		}
	}
	return PhysicalDeviceID(s), nil
}

// SignalQuality is a coarse RSSI label shown next to discovered bracelets
type SignalQuality string

const (
	SignalExcellent SignalQuality = "excellent"
	SignalGood      SignalQuality = "good"
	SignalFair      SignalQuality = "fair"
	SignalWeak      SignalQuality = "weak"
)

// QualityForRSSI maps a dBm reading to a SignalQuality
func QualityForRSSI(rssi int) SignalQuality {
	switch {
	case rssi > -50:
		return SignalExcellent
	case rssi > -60:
		return SignalGood
	case rssi > -70:
		return SignalFair
	default:
		return SignalWeak
	}
}

// Peripheral is an ephemeral scan result
type Peripheral struct {
	ID        PeripheralID `json:"id"`
	Name      string       `json:"name"`
	RSSI      int          `json:"rssi"`
	Connected bool         `json:"connected"`
	LastSeen  time.Time    `json:"last_seen"`
}

// SignalQuality returns the RSSI label for this peripheral
func (p Peripheral) SignalQuality() SignalQuality {
	return QualityForRSSI(p.RSSI)
}

// ScanEventType marks if the peripheral was newly discovered or updated
type ScanEventType int

const (
	ScanEventNew ScanEventType = iota
	ScanEventUpdated
)

func (t ScanEventType) String() string {
	if t == ScanEventNew {
		return "new"
	}
	return "updated"
}

// ScanEvent is a single element of the scan stream
type ScanEvent struct {
	Type       ScanEventType
	Peripheral Peripheral
}

// ScanFilter narrows scan results. Empty fields do not filter.
type ScanFilter struct {
	NamePrefix   string
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DisconnectHandler is notified once when a link drops
type DisconnectHandler func(id PeripheralID, cause error)

// Link is a live connection to a single peripheral
type Link interface {
	ID() PeripheralID

	// OnDisconnect registers a handler that fires exactly once when the link drops.
	// Several handlers may be registered; the returned func removes this one.
	OnDisconnect(h DisconnectHandler) (remove func())

	// Done is closed when the link is gone
	Done() <-chan struct{}
}

// Subscription is a stream of notification payloads from one characteristic.
// It outlives nothing: consumers must call Unsubscribe when the link drops.
type Subscription interface {
	C() <-chan []byte
	Unsubscribe() error
}

// Transport is the BLE stack as seen by the provisioning flow.
// Writes to the same peripheral must be serialized by the caller.
type Transport interface {
	Initialize(ctx context.Context) error
	Scan(ctx context.Context, filter *ScanFilter) (<-chan ScanEvent, error)
	StopScan()
	Connect(ctx context.Context, id PeripheralID) (Link, error)
	ReadCharacteristic(ctx context.Context, id PeripheralID, service, char string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, id PeripheralID, service, char string, data []byte) error
	SubscribeNotifications(ctx context.Context, id PeripheralID, service, char string) (Subscription, error)
	Disconnect(id PeripheralID)
}
