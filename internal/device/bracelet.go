package device

import "strings"

// GATT profile exposed by the bracelet firmware. Values must match the firmware exactly.
const (
	BraceletServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"

	// DeviceInfoCharUUID is readable and carries the PhysicalDeviceID.
	DeviceInfoCharUUID = "a1b2c3d4-e5f6-4a5b-8c9d-0e1f2a3b4c5d"

	// Writable credential and status ids of the current firmware build;
	// other builds override them through the gatt config section.
	UserIDCharUUID     = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	WiFiSSIDCharUUID   = "1c95d5e3-d8f7-413a-bf3d-7a2e5d7be87e"
	WiFiPassCharUUID   = "6d68efe5-04b6-4a85-abc4-c2670b7bf7fd"
	WiFiStatusCharUUID = "9a8ca5d3-6b5f-4c1a-8f2e-3d4b5c6a7e8f"
)

// BraceletNamePrefix is the advertised name prefix used by the firmware
const BraceletNamePrefix = "CautelApp"

// GATTProfile names the service and characteristics used during provisioning.
// Firmware builds with different characteristic ids are configured through it.
type GATTProfile struct {
	Service    string `yaml:"service" default:"4fafc201-1fb5-459e-8fcc-c5c9c331914b"`
	DeviceInfo string `yaml:"device_info" default:"a1b2c3d4-e5f6-4a5b-8c9d-0e1f2a3b4c5d"`
	UserID     string `yaml:"user_id" default:"beb5483e-36e1-4688-b7f5-ea07361b26a8"`
	SSID       string `yaml:"ssid" default:"1c95d5e3-d8f7-413a-bf3d-7a2e5d7be87e"`
	Password   string `yaml:"password" default:"6d68efe5-04b6-4a85-abc4-c2670b7bf7fd"`
	Status     string `yaml:"status" default:"9a8ca5d3-6b5f-4c1a-8f2e-3d4b5c6a7e8f"`
}

// DefaultGATTProfile returns the profile of the production firmware
func DefaultGATTProfile() GATTProfile {
	return GATTProfile{
		Service:    BraceletServiceUUID,
		DeviceInfo: DeviceInfoCharUUID,
		UserID:     UserIDCharUUID,
		SSID:       WiFiSSIDCharUUID,
		Password:   WiFiPassCharUUID,
		Status:     WiFiStatusCharUUID,
	}
}

// WiFiStatus is a token reported on the WiFi status characteristic
type WiFiStatus string

const (
	WiFiConnecting    WiFiStatus = "CONNECTING"
	WiFiCredReceived  WiFiStatus = "CRED_RECEIVED"
	WiFiDisablingBLE  WiFiStatus = "DISABLING_BLE"
	WiFiConnected     WiFiStatus = "CONNECTED"
	WiFiFailed        WiFiStatus = "FAILED"
	WiFiError         WiFiStatus = "ERROR"
	WiFiStatusUnknown WiFiStatus = "UNKNOWN"
)

// ParseWiFiStatus decodes a notification payload. Unrecognized tokens yield WiFiStatusUnknown.
func ParseWiFiStatus(payload []byte) WiFiStatus {
	token := strings.ToUpper(strings.TrimSpace(strings.TrimRight(string(payload), "\x00")))
	switch WiFiStatus(token) {
	case WiFiConnecting, WiFiCredReceived, WiFiDisablingBLE, WiFiConnected, WiFiFailed, WiFiError:
		return WiFiStatus(token)
	default:
		return WiFiStatusUnknown
	}
}

// IsTerminal reports whether the status settles the provisioning attempt
func (s WiFiStatus) IsTerminal() bool {
	return s == WiFiConnected || s == WiFiFailed || s == WiFiError
}

// IsFailure reports whether the firmware gave up joining the network
func (s WiFiStatus) IsFailure() bool {
	return s == WiFiFailed || s == WiFiError
}
