package provisioning

import (
	"context"
	"slices"
	"strings"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// StartScan looks for bracelets for the scan window, or until ctx ends, and
// returns them strongest signal first. An empty result returns
// ErrNoDevicesFound and the machine goes back to Idle. A nil filter matches
// the bracelet name prefix.
func (m *Machine) StartScan(ctx context.Context, filter *device.ScanFilter) ([]device.Peripheral, error) {
	s, err := m.begin(ctx, kindScan, nil)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		filter = &device.ScanFilter{NamePrefix: device.BraceletNamePrefix}
	}

	if !m.transition(s, Scanning, "", nil) {
		return nil, m.interrupted(s)
	}
	if err := m.transport.Initialize(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return nil, m.interrupted(s)
		}
		return nil, m.fail(s, ReasonTransportUnavailable, err)
	}

	windowCtx, cancel := context.WithTimeout(s.ctx, m.cfg.ScanWindow)
	defer cancel()

	stream, err := m.transport.Scan(windowCtx, filter)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, m.interrupted(s)
		}
		return nil, m.fail(s, reasonFor(err, ReasonTransportUnavailable), err)
	}

	found := orderedmap.New[device.PeripheralID, device.Peripheral]()
	func() {
		for {
			select {
			case <-windowCtx.Done():
				return
			case ev, ok := <-stream:
				if !ok {
					return
				}
				found.Set(ev.Peripheral.ID, ev.Peripheral)
				m.registry.MarkPresent(ev.Peripheral)
				s.log.WithFields(logrus.Fields{
					"peripheral": ev.Peripheral.ID,
					"rssi":       ev.Peripheral.RSSI,
					"event":      ev.Type,
				}).Debug("Bracelet seen")
			}
		}
	}()
	m.transport.StopScan()

	// a preempting session or Cancel owns the outcome; the caller's own
	// context ending just closes the window early
	if s.ctx.Err() != nil && ctx.Err() == nil {
		return nil, m.interrupted(s)
	}

	list := make([]device.Peripheral, 0, found.Len())
	for pair := found.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}
	slices.SortStableFunc(list, func(a, b device.Peripheral) int {
		if a.RSSI != b.RSSI {
			return b.RSSI - a.RSSI
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})

	if len(list) == 0 {
		m.transition(s, Idle, "", ErrNoDevicesFound)
		s.cancel(ErrNoDevicesFound)
		return nil, ErrNoDevicesFound
	}

	m.mu.Lock()
	s.scanDone = true
	m.mu.Unlock()
	s.log.WithField("count", len(list)).Info("Scan finished")
	return list, nil
}
