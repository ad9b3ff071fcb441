// Package events consumes the server-sent event streams pushed by the backend:
// bracelet connection changes (consumed by provisioning and the registry) and
// caregiver notifications (displayed only).
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cautelapp/carelink/internal/device"
)

// Event is one decoded push message. It is one of WifiProvisioned,
// OnlineStatusChanged, Notification or StreamFailed.
type Event interface {
	isEvent()
}

// WifiProvisioned reports a bracelet joined a WiFi network with the sent credentials.
type WifiProvisioned struct {
	PhysicalDeviceID device.PhysicalDeviceID
	SSID             string
	RSSI             int
	IP               string
	UserID           string
	ReceivedAt       time.Time
}

// OnlineStatusChanged reports a bound bracelet going on or off line.
type OnlineStatusChanged struct {
	PhysicalDeviceID device.PhysicalDeviceID
	Online           bool
	ReceivedAt       time.Time
}

// StreamFailed is the last event a subscriber sees after reconnects are exhausted.
type StreamFailed struct {
	Err error
}

// Notification is an emergency or heart-rate message about a monitored adult.
type Notification struct {
	ID        int
	Type      string
	AdultID   int
	Pulse     *int
	Message   string
	Timestamp time.Time
}

func (WifiProvisioned) isEvent()     {}
func (OnlineStatusChanged) isEvent() {}
func (StreamFailed) isEvent()        {}
func (Notification) isEvent()        {}

// IsEmergency reports whether the notification asks for immediate attention
func (n Notification) IsEmergency() bool {
	switch strings.ToLower(n.Type) {
	case "emergencia", "ayuda", "panico":
		return true
	}
	return false
}

// Connection statuses on the wire
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// ErrUnknownStatus marks a well-formed frame this client does not act on
var ErrUnknownStatus = errors.New("unknown device status")

type connectionFrame struct {
	DeviceID string          `json:"deviceId"`
	UserID   json.RawMessage `json:"userId"`
	SSID     string          `json:"ssid"`
	IP       string          `json:"ip"`
	RSSI     *int            `json:"rssi"`
	Status   string          `json:"status"`
}

// DecodeConnection decodes a /device/events/connection payload.
func DecodeConnection(data []byte, now time.Time) (Event, error) {
	var f connectionFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed connection event: %w", err)
	}
	id, err := device.ParsePhysicalDeviceID(f.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("malformed connection event: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(f.Status)) {
	case StatusConnected:
		if f.SSID == "" {
			return OnlineStatusChanged{PhysicalDeviceID: id, Online: true, ReceivedAt: now}, nil
		}
		ev := WifiProvisioned{
			PhysicalDeviceID: id,
			SSID:             f.SSID,
			IP:               f.IP,
			UserID:           rawString(f.UserID),
			ReceivedAt:       now,
		}
		if f.RSSI != nil {
			ev.RSSI = *f.RSSI
		}
		return ev, nil
	case StatusDisconnected:
		return OnlineStatusChanged{PhysicalDeviceID: id, Online: false, ReceivedAt: now}, nil
	default:
		return nil, fmt.Errorf("%w %q for %s", ErrUnknownStatus, f.Status, id)
	}
}

type notificationFrame struct {
	ID        int    `json:"id_notificacion"`
	AdultID   int    `json:"id_adulto"`
	Type      string `json:"tipo"`
	Timestamp string `json:"fecha_hora"`
	Pulse     *int   `json:"pulso"`
	Message   string `json:"mensaje"`
}

// DecodeNotification decodes a /device/events/notifications payload.
func DecodeNotification(data []byte, now time.Time) (Event, error) {
	var f notificationFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed notification: %w", err)
	}
	if f.Type == "" {
		return nil, errors.New("malformed notification: missing tipo")
	}

	n := Notification{
		ID:        f.ID,
		Type:      f.Type,
		AdultID:   f.AdultID,
		Pulse:     f.Pulse,
		Message:   f.Message,
		Timestamp: now,
	}
	if ts, err := time.Parse(time.RFC3339, f.Timestamp); err == nil {
		n.Timestamp = ts
	}
	return n, nil
}

// rawString renders a JSON string or number as text
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return string(raw)
}
