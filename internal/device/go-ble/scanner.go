package goble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/groutine"
	"github.com/cautelapp/carelink/internal/ringchan"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// advertisement is the part of ble.Advertisement the scanner reads
type advertisement interface {
	LocalName() string
	RSSI() int
	Addr() ble.Addr
	Services() []ble.UUID
}

// scanEntry is a discovered peripheral, updated in place on every advertisement
type scanEntry struct {
	mu sync.Mutex
	p  device.Peripheral
}

func (e *scanEntry) snapshot() device.Peripheral {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p
}

type scanSession struct {
	filter      device.ScanFilter
	serviceUUID map[string]struct{}
	events      *ringchan.RingChannel[device.ScanEvent]
	cancel      context.CancelFunc
	done        chan struct{}
}

// Scan starts discovery and returns the event stream. The stream is closed when
// the scan stops (StopScan, ctx done, or radio error). A running scan is replaced.
func (t *Transport) Scan(ctx context.Context, filter *device.ScanFilter) (<-chan device.ScanEvent, error) {
	radio, err := t.getRadio()
	if err != nil {
		return nil, err
	}

	t.StopScan()

	f := device.ScanFilter{}
	if filter != nil {
		f = *filter
	}
	session := &scanSession{
		filter:      f,
		serviceUUID: make(map[string]struct{}, len(f.ServiceUUIDs)),
		events:      ringchan.New[device.ScanEvent](t.opts.ChannelBuffer),
		done:        make(chan struct{}),
	}
	for _, u := range f.ServiceUUIDs {
		session.serviceUUID[device.NormalizeUUID(u)] = struct{}{}
	}

	scanCtx, cancel := context.WithCancel(ctx)
	session.cancel = cancel

	t.mu.Lock()
	t.scan = session
	t.mu.Unlock()

	t.logger.WithField("filter", f).Info("Starting BLE scan...")

	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		defer close(session.done)
		defer session.events.Close()

		// allowDup keeps RSSI updates flowing; the peripheral table dedups by id
		err := radio.Scan(ctx, true, func(adv ble.Advertisement) {
			t.handleAdvertisement(session, adv)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.logger.WithError(NormalizeError(err)).Error("BLE scan failed")
		}
		t.logger.WithField("device_count", t.peripherals.Len()).Info("BLE scan completed")
	})

	return session.events.C(), nil
}

// StopScan stops the running scan, if any, and waits for the stream to close.
func (t *Transport) StopScan() {
	t.mu.Lock()
	session := t.scan
	t.scan = nil
	t.mu.Unlock()

	if session == nil {
		return
	}
	session.cancel()
	<-session.done
}

// handleAdvertisement updates an existing or adds a new peripheral
func (t *Transport) handleAdvertisement(session *scanSession, adv advertisement) {
	id := adv.Addr().String()
	now := time.Now()

	entry, existing := t.peripherals.Get(id)
	if !existing {
		if !session.includes(adv) {
			return
		}
		entry, existing = t.peripherals.GetOrInsert(id, &scanEntry{p: device.Peripheral{
			ID:       device.PeripheralID(id),
			Name:     adv.LocalName(),
			RSSI:     adv.RSSI(),
			LastSeen: now,
		}})
	}

	event := device.ScanEvent{Type: device.ScanEventNew}
	if existing {
		entry.mu.Lock()
		entry.p.RSSI = adv.RSSI()
		entry.p.LastSeen = now
		if name := adv.LocalName(); name != "" {
			entry.p.Name = name
		}
		entry.mu.Unlock()
		event.Type = device.ScanEventUpdated
	} else {
		t.logger.WithFields(logrus.Fields{
			"device":  adv.LocalName(),
			"address": id,
			"rssi":    adv.RSSI(),
		}).Info("Discovered new device")
	}
	event.Peripheral = entry.snapshot()

	session.events.Send(event)
}

// includes applies the name/allow/block/service filters
func (s *scanSession) includes(adv advertisement) bool {
	addr := adv.Addr().String()

	for _, blocked := range s.filter.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(s.filter.AllowList) > 0 {
		allowed := false
		for _, a := range s.filter.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if s.filter.NamePrefix != "" && !strings.HasPrefix(adv.LocalName(), s.filter.NamePrefix) {
		return false
	}

	if len(s.serviceUUID) > 0 {
		for _, u := range adv.Services() {
			if _, ok := s.serviceUUID[device.NormalizeUUID(u.String())]; ok {
				return true
			}
		}
		return false
	}

	return true
}

// Peripherals returns a snapshot of every peripheral seen since the transport was created
func (t *Transport) Peripherals() []device.Peripheral {
	out := make([]device.Peripheral, 0, t.peripherals.Len())
	t.peripherals.Range(func(_ string, e *scanEntry) bool {
		out = append(out, e.snapshot())
		return true
	})
	return out
}

func (t *Transport) markConnected(id device.PeripheralID, connected bool) {
	if e, ok := t.peripherals.Get(string(id)); ok {
		e.mu.Lock()
		e.p.Connected = connected
		e.mu.Unlock()
	}
}
