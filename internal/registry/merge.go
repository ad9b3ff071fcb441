// Package registry keeps the caregiver's view of bracelets: devices bound in
// the backend, devices shared by other caregivers, bracelets visible over BLE
// and the one being provisioned, merged by physical device id.
package registry

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/pending"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Source says why a device is in the list
type Source string

const (
	SourceOwned   Source = "owned"
	SourceShared  Source = "shared"
	SourcePending Source = "pending"
	SourceBLE     Source = "ble"
)

const (
	ActivityNow     = "now"
	ActivityUnknown = "unknown"
)

// UnifiedDevice is one entry of the merged list. PhysicalDeviceID is unique across the list.
type UnifiedDevice struct {
	PhysicalDeviceID device.PhysicalDeviceID `json:"physical_device_id"`
	Source           Source                  `json:"source"`
	AdultID          int                     `json:"adult_id,omitempty"`
	AdultName        string                  `json:"adult_name,omitempty"`
	Battery          int                     `json:"battery,omitempty"`
	SharedByUserID   int                     `json:"shared_by_user_id,omitempty"`
	GroupName        string                  `json:"group_name,omitempty"`
	SSID             string                  `json:"ssid,omitempty"`

	Connected     bool                `json:"connected"`
	OnlineViaWifi bool                `json:"online_via_wifi"`
	NearbyViaBLE  bool                `json:"nearby_via_ble"`
	PeripheralID  device.PeripheralID `json:"peripheral_id,omitempty"`
	RSSI          int                 `json:"rssi,omitempty"`
	Activity      string              `json:"activity"`
}

// Inputs are the sources merged by Merge.
type Inputs struct {
	Owned  []backend.BoundDevice
	Shared []backend.BoundDevice

	// Visible are BLE peripherals whose physical id is known
	Visible map[device.PhysicalDeviceID]device.Peripheral

	// Online is the WiFi presence from status polling and the event stream
	Online map[device.PhysicalDeviceID]bool

	LastSeen map[device.PhysicalDeviceID]time.Time
	Pending  *pending.Binding
	Now      time.Time
}

// Merge builds the device list: owned devices in backend order, then shared
// devices nobody owns, then the pending device if not yet bound, then
// visible bracelets that are none of those. A device is connected when it is
// visible over BLE or online via WiFi; BLE presence wins over cached state.
func Merge(in Inputs) []UnifiedDevice {
	merged := orderedmap.New[device.PhysicalDeviceID, *UnifiedDevice]()

	add := func(d backend.BoundDevice, src Source) {
		if d.PhysicalDeviceID == "" {
			return
		}
		if _, exists := merged.Get(d.PhysicalDeviceID); exists {
			return
		}
		merged.Set(d.PhysicalDeviceID, &UnifiedDevice{
			PhysicalDeviceID: d.PhysicalDeviceID,
			Source:           src,
			AdultID:          d.AdultID,
			AdultName:        d.AdultName,
			Battery:          d.Battery,
			SharedByUserID:   d.SharedByUserID,
			GroupName:        d.GroupName,
			OnlineViaWifi:    d.OnlineViaWifi,
		})
	}

	for _, d := range in.Owned {
		add(d, SourceOwned)
	}
	for _, d := range in.Shared {
		add(d, SourceShared)
	}
	if p := in.Pending; p != nil && p.PhysicalDeviceID != "" {
		if _, bound := merged.Get(p.PhysicalDeviceID); !bound {
			merged.Set(p.PhysicalDeviceID, &UnifiedDevice{
				PhysicalDeviceID: p.PhysicalDeviceID,
				Source:           SourcePending,
				SSID:             p.SSID,
				PeripheralID:     p.PeripheralID,
			})
		}
	}
	visible := make([]device.PhysicalDeviceID, 0, len(in.Visible))
	for id := range in.Visible {
		visible = append(visible, id)
	}
	slices.Sort(visible)
	for _, id := range visible {
		if _, known := merged.Get(id); !known {
			merged.Set(id, &UnifiedDevice{PhysicalDeviceID: id, Source: SourceBLE})
		}
	}

	out := make([]UnifiedDevice, 0, merged.Len())
	for pair := merged.Oldest(); pair != nil; pair = pair.Next() {
		d := pair.Value
		if online, ok := in.Online[d.PhysicalDeviceID]; ok {
			d.OnlineViaWifi = online
		}
		if p, visible := in.Visible[d.PhysicalDeviceID]; visible {
			d.NearbyViaBLE = true
			d.PeripheralID = p.ID
			d.RSSI = p.RSSI
		}
		d.Connected = d.NearbyViaBLE || d.OnlineViaWifi
		if d.Connected {
			d.Activity = ActivityNow
		} else {
			d.Activity = ActivityLabel(in.LastSeen[d.PhysicalDeviceID], in.Now)
		}
		out = append(out, *d)
	}
	return out
}

// ActivityLabel renders how long ago a device was last seen
func ActivityLabel(lastSeen, now time.Time) string {
	if lastSeen.IsZero() {
		return ActivityUnknown
	}
	ago := now.Sub(lastSeen)
	switch {
	case ago < time.Minute:
		return ActivityNow
	case ago < time.Hour:
		return fmt.Sprintf("%dm ago", int(ago.Minutes()))
	case ago < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(ago.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(ago.Hours()/24))
	}
}

// sortPeripherals orders by signal, strongest first, then by id
func sortPeripherals(ps []device.Peripheral) {
	slices.SortFunc(ps, func(a, b device.Peripheral) int {
		if a.RSSI != b.RSSI {
			return b.RSSI - a.RSSI
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
}
