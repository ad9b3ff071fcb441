package provisioning

import (
	"context"
	"fmt"

	"github.com/cautelapp/carelink/internal/pending"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/sirupsen/logrus"
)

// RetryBind repeats the backend part of a session that failed on bind or on
// the network, reusing the retained profile. The bracelet is not contacted.
func (m *Machine) RetryBind(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	retained := m.retained
	retryable := m.state == Failed && (m.reason == ReasonBindRejected || m.reason == ReasonNetworkUnavailable)
	m.mu.Unlock()
	if retained == nil || !retryable {
		return nil, ErrNothingToRetry
	}
	return m.resume(ctx, retained.binding, retained.userID)
}

// Resume continues from a pending binding persisted by an earlier run: the
// bracelet is already on WiFi, only the existence check, capture and bind
// remain.
func (m *Machine) Resume(ctx context.Context, userID string) (*Result, error) {
	b, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending binding: %w", err)
	}
	if b == nil {
		return nil, ErrNothingPending
	}
	return m.resume(ctx, *b, userID)
}

func (m *Machine) resume(ctx context.Context, b pending.Binding, userID string) (*Result, error) {
	s, err := m.begin(ctx, kindResume, func(s *session) {
		s.physical = b.PhysicalDeviceID
		s.peripheral = b.PeripheralID
		s.ssid = b.SSID
		s.userID = userID
		s.confirmedVia = b.ConfirmedVia
		s.log = s.log.WithFields(logrus.Fields{"physical_device_id": b.PhysicalDeviceID, "resumed": true})
	})
	if err != nil {
		return nil, err
	}
	m.registry.SetPending(&b)
	s.log.Info("Resuming pending binding")

	var initial *profile.Adult
	if b.Profile != nil {
		cp := *b.Profile
		initial = &cp
	}
	return m.complete(s, initial)
}
