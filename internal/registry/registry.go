package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/events"
	"github.com/cautelapp/carelink/internal/pending"
	"github.com/sirupsen/logrus"
)

// Backend is the part of the device API the registry reads
type Backend interface {
	ListMine(ctx context.Context) ([]backend.BoundDevice, error)
	ListShared(ctx context.Context, userID string) ([]backend.BoundDevice, error)
	Status(ctx context.Context) ([]backend.DeviceStatus, error)
}

// PeripheralIndex persists the peripheral to physical id table across runs
type PeripheralIndex interface {
	Load(ctx context.Context) (map[device.PeripheralID]device.PhysicalDeviceID, error)
	Save(ctx context.Context, table map[device.PeripheralID]device.PhysicalDeviceID) error
}

// Registry holds the latest known state of every source and merges on read.
// It is safe for concurrent use.
type Registry struct {
	backend Backend
	pending pending.Store
	index   PeripheralIndex
	userID  string
	logger  *logrus.Logger
	now     func() time.Time

	saveMu sync.Mutex

	mu       sync.RWMutex
	owned    []backend.BoundDevice
	shared   []backend.BoundDevice
	online   map[device.PhysicalDeviceID]bool
	lastSeen map[device.PhysicalDeviceID]time.Time
	visible  map[device.PeripheralID]device.Peripheral
	resolved map[device.PeripheralID]device.PhysicalDeviceID
	binding  *pending.Binding
}

// New creates an empty registry. userID selects the shared-device overlay;
// an empty userID skips it. store may be nil.
func New(api Backend, store pending.Store, userID string, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		backend:  api,
		pending:  store,
		userID:   userID,
		logger:   logger,
		now:      time.Now,
		online:   make(map[device.PhysicalDeviceID]bool),
		lastSeen: make(map[device.PhysicalDeviceID]time.Time),
		visible:  make(map[device.PeripheralID]device.Peripheral),
		resolved: make(map[device.PeripheralID]device.PhysicalDeviceID),
	}
}

// WithIndex makes the registry load remembered peripherals on Refresh and
// save every new mapping, so bound bracelets are recognised by later scans.
func (r *Registry) WithIndex(index PeripheralIndex) *Registry {
	r.index = index
	return r
}

// Refresh reloads owned devices, the shared overlay, online status, the
// pending binding and the remembered peripherals. Only a failure to list owned devices fails the refresh;
// the other sources keep their previous value.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.backend == nil {
		return errors.New("registry has no backend")
	}

	owned, err := r.backend.ListMine(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bound devices: %w", err)
	}

	var shared []backend.BoundDevice
	sharedOK := false
	if r.userID != "" {
		if shared, err = r.backend.ListShared(ctx, r.userID); err != nil {
			r.logger.WithError(err).Warn("Failed to list shared devices, keeping previous overlay")
		} else {
			sharedOK = true
		}
	}

	statuses, statusErr := r.backend.Status(ctx)
	if statusErr != nil {
		r.logger.WithError(statusErr).Warn("Failed to poll device status")
	}

	var binding *pending.Binding
	bindingOK := false
	if r.pending != nil {
		if binding, err = r.pending.Load(ctx); err != nil {
			r.logger.WithError(err).Warn("Failed to load pending binding")
		} else {
			bindingOK = true
		}
	}

	var known map[device.PeripheralID]device.PhysicalDeviceID
	if r.index != nil {
		if known, err = r.index.Load(ctx); err != nil {
			r.logger.WithError(err).Warn("Failed to load known bracelets")
		}
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for pid, physical := range known {
		key := normalizePeripheral(pid)
		if _, ok := r.resolved[key]; !ok {
			r.resolved[key] = physical
		}
	}
	r.owned = owned
	if sharedOK {
		r.shared = shared
	}
	if bindingOK {
		r.binding = binding
	}
	for _, st := range statuses {
		r.setOnlineLocked(st.PhysicalDeviceID, st.Online, now)
		if st.Battery != nil {
			r.setBatteryLocked(st.PhysicalDeviceID, *st.Battery)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"owned":   len(r.owned),
		"shared":  len(r.shared),
		"pending": r.binding != nil,
		"known":   len(r.resolved),
	}).Debug("Registry refreshed")
	return nil
}

// Apply patches online state from a connection stream event.
// Events other than connection changes are ignored.
func (r *Registry) Apply(ev events.Event) {
	switch e := ev.(type) {
	case events.OnlineStatusChanged:
		r.SetOnline(e.PhysicalDeviceID, e.Online)
	case events.WifiProvisioned:
		r.SetOnline(e.PhysicalDeviceID, true)
	}
}

// Follow applies events from ch until it is closed or ctx ends.
func (r *Registry) Follow(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.Apply(ev)
		}
	}
}

// SetOnline records the WiFi presence of id
func (r *Registry) SetOnline(id device.PhysicalDeviceID, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setOnlineLocked(id, online, r.now())
}

func (r *Registry) setOnlineLocked(id device.PhysicalDeviceID, online bool, now time.Time) {
	if id == "" {
		return
	}
	if was, known := r.online[id]; known && was && !online {
		r.lastSeen[id] = now
	}
	r.online[id] = online
	if online {
		r.lastSeen[id] = now
	}
	for i := range r.owned {
		if r.owned[i].PhysicalDeviceID == id {
			r.owned[i].OnlineViaWifi = online
		}
	}
}

func (r *Registry) setBatteryLocked(id device.PhysicalDeviceID, battery int) {
	for i := range r.owned {
		if r.owned[i].PhysicalDeviceID == id {
			r.owned[i].Battery = battery
		}
	}
	for i := range r.shared {
		if r.shared[i].PhysicalDeviceID == id {
			r.shared[i].Battery = battery
		}
	}
}

// MarkPresent records a bracelet seen by a BLE scan
func (r *Registry) MarkPresent(p device.Peripheral) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visible[p.ID] = p
	if id, ok := r.resolved[normalizePeripheral(p.ID)]; ok {
		r.lastSeen[id] = r.now()
	}
}

// ClearPresence forgets every BLE presence, typically before a new scan.
// Bracelets that were visible keep the moment they were last seen.
func (r *Registry) ClearPresence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for pid := range r.visible {
		if physical, ok := r.resolved[normalizePeripheral(pid)]; ok {
			r.lastSeen[physical] = now
		}
	}
	r.visible = make(map[device.PeripheralID]device.Peripheral)
}

// Remember maps a session peripheral id to the physical id read from the bracelet.
func (r *Registry) Remember(peripheral device.PeripheralID, physical device.PhysicalDeviceID) {
	if peripheral == "" || physical == "" {
		return
	}
	if r.learn(peripheral, physical) {
		r.saveIndex()
	}
}

// learn records a mapping and reports whether it changed
func (r *Registry) learn(peripheral device.PeripheralID, physical device.PhysicalDeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalizePeripheral(peripheral)
	if r.resolved[key] == physical {
		return false
	}
	r.resolved[key] = physical
	return true
}

func (r *Registry) saveIndex() {
	if r.index == nil {
		return
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	table := make(map[device.PeripheralID]device.PhysicalDeviceID, len(r.resolved))
	for k, v := range r.resolved {
		table[k] = v
	}
	r.mu.RUnlock()

	if err := r.index.Save(context.Background(), table); err != nil {
		r.logger.WithError(err).Warn("Failed to save known bracelets")
	}
}

// Resolve returns the physical id previously remembered for peripheral
func (r *Registry) Resolve(peripheral device.PeripheralID) (device.PhysicalDeviceID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.resolved[normalizePeripheral(peripheral)]
	return id, ok
}

// UpsertBound inserts or replaces the owned entry for d.PhysicalDeviceID.
// A bound device is never also pending.
func (r *Registry) UpsertBound(d backend.BoundDevice) {
	if d.Battery <= 0 {
		d.Battery = backend.DefaultBattery
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if online, ok := r.online[d.PhysicalDeviceID]; ok && online {
		d.OnlineViaWifi = true
	}
	replaced := false
	for i := range r.owned {
		if r.owned[i].PhysicalDeviceID == d.PhysicalDeviceID {
			r.owned[i] = d
			replaced = true
			break
		}
	}
	if !replaced {
		r.owned = append(r.owned, d)
	}
	if r.binding != nil && r.binding.PhysicalDeviceID == d.PhysicalDeviceID {
		r.binding = nil
	}
}

// RemoveBound drops the owned entry of an adult after monitoring stopped
func (r *Registry) RemoveBound(adultID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.owned {
		if r.owned[i].AdultID == adultID {
			r.owned = append(r.owned[:i], r.owned[i+1:]...)
			return true
		}
	}
	return false
}

// SetPending replaces the pending device; nil clears it.
func (r *Registry) SetPending(b *pending.Binding) {
	r.mu.Lock()
	if b == nil {
		r.binding = nil
		r.mu.Unlock()
		return
	}
	cp := *b
	r.binding = &cp
	r.mu.Unlock()

	if cp.PeripheralID != "" {
		r.Remember(cp.PeripheralID, cp.PhysicalDeviceID)
	}
}

// Devices merges every source into the current list
func (r *Registry) Devices() []UnifiedDevice {
	devices, _ := r.View()
	return devices
}

// View returns the merged list plus visible peripherals whose physical id is
// still unknown, which are candidates for provisioning.
func (r *Registry) View() ([]UnifiedDevice, []device.Peripheral) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visible := make(map[device.PhysicalDeviceID]device.Peripheral)
	var unidentified []device.Peripheral
	for pid, p := range r.visible {
		if physical, ok := r.resolved[normalizePeripheral(pid)]; ok {
			if prev, seen := visible[physical]; !seen || p.RSSI > prev.RSSI {
				visible[physical] = p
			}
			continue
		}
		unidentified = append(unidentified, p)
	}
	sortPeripherals(unidentified)

	return Merge(Inputs{
		Owned:    r.owned,
		Shared:   r.shared,
		Visible:  visible,
		Online:   r.online,
		LastSeen: r.lastSeen,
		Pending:  r.binding,
		Now:      r.now(),
	}), unidentified
}

// Find returns the merged entry for id
func (r *Registry) Find(id device.PhysicalDeviceID) (UnifiedDevice, bool) {
	for _, d := range r.Devices() {
		if d.PhysicalDeviceID == id {
			return d, true
		}
	}
	return UnifiedDevice{}, false
}

// addresses are reported lowercase by scans and uppercase by users
func normalizePeripheral(id device.PeripheralID) device.PeripheralID {
	return device.PeripheralID(strings.ToLower(string(id)))
}
