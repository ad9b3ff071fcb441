package provisioning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/events"
	"github.com/cautelapp/carelink/internal/groutine"
	"github.com/cautelapp/carelink/internal/pending"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/sirupsen/logrus"
)

// Request selects the bracelet and the credentials handed to it.
type Request struct {
	PeripheralID device.PeripheralID
	UserID       string
	SSID         string

	// Password may be empty for an open network
	Password string
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(string(r.PeripheralID)) == "":
		return fmt.Errorf("%w: peripheral id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case r.SSID == "":
		return fmt.Errorf("%w: ssid is required", ErrInvalidRequest)
	}
	return nil
}

// Result is the outcome of a session that reached Bound.
type Result struct {
	Session          string
	PhysicalDeviceID device.PhysicalDeviceID
	ConfirmedVia     pending.ConfirmedVia

	// AlreadyBound is set when the bracelet was bound before and only its WiFi changed
	AlreadyBound bool

	// Device is the new binding; nil when AlreadyBound
	Device *backend.BoundDevice
}

// Provision runs a full session for one bracelet and blocks until it ends.
// Failures are returned as *FailedError; cancellation as ErrCancelled.
func (m *Machine) Provision(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	s, err := m.begin(ctx, kindProvision, func(s *session) {
		s.peripheral = req.PeripheralID
		s.ssid = req.SSID
		s.userID = req.UserID
		s.log = s.log.WithFields(logrus.Fields{"peripheral": req.PeripheralID, "ssid": req.SSID})
	})
	if err != nil {
		return nil, err
	}

	if !m.transition(s, Connecting, "", nil) {
		return nil, m.interrupted(s)
	}
	if err := m.transport.Initialize(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return nil, m.interrupted(s)
		}
		return nil, m.fail(s, ReasonTransportUnavailable, err)
	}
	if err := m.connect(s); err != nil {
		return nil, err
	}
	if err := m.sendCredentials(s, req); err != nil {
		return nil, err
	}
	if err := m.awaitConfirmation(s); err != nil {
		return nil, err
	}
	return m.complete(s, nil)
}

// connect opens the link, subscribes to status notifications right away and
// reads the physical id from the device-info characteristic.
func (m *Machine) connect(s *session) error {
	p := m.cfg.Profile

	link, err := m.transport.Connect(s.ctx, s.peripheral)
	if err != nil {
		if s.ctx.Err() != nil {
			return m.interrupted(s)
		}
		return m.fail(s, reasonFor(err, ReasonConnectionFailed), err)
	}

	remove := link.OnDisconnect(func(id device.PeripheralID, cause error) {
		m.onLinkDrop(s, cause)
	})
	m.mu.Lock()
	s.linked = true
	s.removeObserver = remove
	m.mu.Unlock()

	sub, err := m.transport.SubscribeNotifications(s.ctx, s.peripheral, p.Service, p.Status)
	if err != nil {
		if s.ctx.Err() != nil {
			return m.interrupted(s)
		}
		return m.fail(s, ReasonConnectionFailed, fmt.Errorf("subscribe to wifi status: %w", err))
	}
	m.mu.Lock()
	s.statusSub = sub
	m.mu.Unlock()

	raw, err := m.transport.ReadCharacteristic(s.ctx, s.peripheral, p.Service, p.DeviceInfo)
	if err != nil {
		if s.ctx.Err() != nil {
			return m.interrupted(s)
		}
		return m.fail(s, ReasonConnectionFailed, fmt.Errorf("read device info: %w", err))
	}
	physical, err := device.ParsePhysicalDeviceID(string(raw))
	if err != nil {
		return m.fail(s, ReasonConnectionFailed, err)
	}

	m.mu.Lock()
	s.physical = physical
	m.mu.Unlock()
	s.log.WithField("physical_device_id", physical).Info("Bracelet identified")
	m.registry.Remember(s.peripheral, physical)

	if !m.transition(s, Connected, "", nil) {
		return m.interrupted(s)
	}
	return nil
}

// onLinkDrop fails a session that loses its link before the credentials are
// handed over. Afterwards the bracelet drops BLE on purpose when it joins
// WiFi, so the server confirmation is still awaited.
func (m *Machine) onLinkDrop(s *session, cause error) {
	m.mu.Lock()
	current := s == m.session
	state := m.state
	sent := s.credentialsSent
	m.mu.Unlock()
	if !current || state.IsTerminal() {
		return
	}
	if state.pastCredentials() || sent {
		s.log.WithError(cause).Info("Bracelet link dropped, waiting for server confirmation")
		return
	}
	if cause == nil {
		cause = errConnectionLost
	} else {
		cause = fmt.Errorf("%w: %w", errConnectionLost, cause)
	}
	s.log.WithError(cause).Warn("Bracelet link dropped")
	s.cancel(cause)
}

// sendCredentials writes user id, SSID and password in that order, each
// write completing before the next starts.
func (m *Machine) sendCredentials(s *session, req Request) error {
	if !m.transition(s, SendingCredentials, "", nil) {
		return m.interrupted(s)
	}

	// subscribe before writing so a fast server confirmation is not missed
	if m.events != nil {
		sub := m.events.Subscribe()
		m.mu.Lock()
		s.eventSub = sub
		m.mu.Unlock()
	}

	p := m.cfg.Profile
	writes := []struct {
		name string
		char string
		data string
	}{
		{"user_id", p.UserID, req.UserID},
		{"ssid", p.SSID, req.SSID},
		{"password", p.Password, req.Password},
	}
	for i, w := range writes {
		if i > 0 && m.cfg.WriteDelay > 0 {
			select {
			case <-s.ctx.Done():
				return m.interrupted(s)
			case <-time.After(m.cfg.WriteDelay):
			}
		}
		if err := m.transport.WriteCharacteristic(s.ctx, s.peripheral, p.Service, w.char, []byte(w.data)); err != nil {
			if s.ctx.Err() != nil {
				return m.interrupted(s)
			}
			return m.fail(s, reasonFor(err, ReasonWriteFailed), fmt.Errorf("write %s: %w", w.name, err))
		}
		s.log.WithField("characteristic", w.name).Debug("Credential written")
	}

	m.mu.Lock()
	s.credentialsSent = true
	m.mu.Unlock()
	return nil
}

type outcome struct {
	via    pending.ConfirmedVia
	reason Reason
	err    error
}

// awaitConfirmation races the BLE status stream, the server event stream and
// the confirmation timer. The first to settle wins and stops the other two.
func (m *Machine) awaitConfirmation(s *session) error {
	if !m.transition(s, AwaitingConfirmation, "", nil) {
		return m.interrupted(s)
	}

	raceCtx, stop := context.WithCancel(s.ctx)
	m.mu.Lock()
	s.stopRace = stop
	statusSub, eventSub, physical := s.statusSub, s.eventSub, s.physical
	m.mu.Unlock()
	defer stop()

	settled := make(chan outcome, 1)
	var once sync.Once
	settle := func(o outcome) {
		once.Do(func() {
			settled <- o
			stop()
		})
	}

	if statusSub != nil {
		groutine.Go(raceCtx, "confirm-ble", func(ctx context.Context) {
			m.listenStatus(ctx, s, statusSub, settle)
		})
	}
	if eventSub != nil {
		groutine.Go(raceCtx, "confirm-sse", func(ctx context.Context) {
			m.listenEvents(ctx, s, physical, eventSub, settle)
		})
	}
	groutine.Go(raceCtx, "confirm-timer", func(ctx context.Context) {
		timer := time.NewTimer(m.cfg.ConfirmationTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			settle(outcome{reason: ReasonConfirmationTimeout, err: fmt.Errorf("%w: no confirmation within %v", device.ErrTimeout, m.cfg.ConfirmationTimeout)})
		}
	})

	var o outcome
	select {
	case o = <-settled:
	case <-s.ctx.Done():
		return m.interrupted(s)
	}

	if o.reason != "" {
		return m.fail(s, o.reason, o.err)
	}
	return m.confirmed(s, o.via)
}

func (m *Machine) listenStatus(ctx context.Context, s *session, sub device.Subscription, settle func(outcome)) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.C():
			if !ok {
				s.log.Debug("Status notifications ended")
				return
			}
			status := device.ParseWiFiStatus(payload)
			s.log.WithField("wifi_status", status).Info("Bracelet status")
			switch {
			case status == device.WiFiConnected:
				settle(outcome{via: pending.ConfirmedBLE})
				return
			case status.IsFailure():
				settle(outcome{reason: ReasonDeviceReportedFailure, err: fmt.Errorf("bracelet reported %s", status)})
				return
			}
		}
	}
}

func (m *Machine) listenEvents(ctx context.Context, s *session, physical device.PhysicalDeviceID, sub *events.Subscription, settle func(outcome)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.WifiProvisioned:
				if e.PhysicalDeviceID != physical {
					continue
				}
				s.log.WithFields(logrus.Fields{"ip": e.IP, "rssi": e.RSSI}).Info("Server confirmed WiFi")
				settle(outcome{via: pending.ConfirmedSSE})
				return
			case events.OnlineStatusChanged:
				// a "connected" frame without an SSID still means the bracelet reached the server
				if !e.Online || e.PhysicalDeviceID != physical {
					continue
				}
				s.log.Info("Server reported the bracelet online")
				settle(outcome{via: pending.ConfirmedSSE})
				return
			case events.StreamFailed:
				s.log.WithError(e.Err).Warn("Event stream gave up, relying on BLE confirmation")
				return
			}
		}
	}
}

// confirmed records the winning channel, releases the race listeners and
// persists the pending binding before any backend call.
func (m *Machine) confirmed(s *session, via pending.ConfirmedVia) error {
	m.mu.Lock()
	s.confirmedVia = via
	evSub, statusSub := s.eventSub, s.statusSub
	s.eventSub, s.statusSub = nil, nil
	m.mu.Unlock()

	if evSub != nil {
		evSub.Close()
	}
	if statusSub != nil {
		if err := statusSub.Unsubscribe(); err != nil {
			s.log.WithError(err).Debug("Unsubscribe after confirmation failed")
		}
	}

	b := &pending.Binding{
		PhysicalDeviceID: s.physical,
		SSID:             s.ssid,
		PeripheralID:     s.peripheral,
		ConfirmedVia:     via,
		CreatedAt:        m.now(),
	}
	if err := m.store.Save(s.ctx, b); err != nil {
		s.log.WithError(err).Warn("Failed to persist pending binding")
	}
	m.registry.SetPending(b)
	m.registry.SetOnline(s.physical, true)

	s.log.WithField("via", via).Info("WiFi provisioning confirmed")
	return nil
}

// complete checks for an existing binding, captures the profile when needed
// and binds. initial is a profile retained from an earlier attempt.
func (m *Machine) complete(s *session, initial *profile.Adult) (*Result, error) {
	if !m.transition(s, CheckingExistingBinding, "", nil) {
		return nil, m.interrupted(s)
	}

	exists, err := m.api.CheckExists(s.ctx, s.physical)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, m.interrupted(s)
		}
		return nil, m.failBind(s, reasonFor(err, ReasonNetworkUnavailable), err, initial)
	}

	if exists.Exists && exists.Bound {
		s.log.Info("Bracelet already bound, WiFi refreshed")
		m.registry.SetOnline(s.physical, true)
		if err := m.release(s, true); err != nil {
			s.log.WithError(err).Warn("Cleanup after refresh was incomplete")
		}
		m.clearRetained()
		if !m.transition(s, Bound, "", nil) {
			return nil, m.interrupted(s)
		}
		return &Result{Session: s.id, PhysicalDeviceID: s.physical, ConfirmedVia: s.confirmedVia, AlreadyBound: true}, nil
	}

	if !m.transition(s, CapturingProfile, "", nil) {
		return nil, m.interrupted(s)
	}
	adult, err := m.capture(s, initial)
	if err != nil {
		return nil, err
	}

	if !m.transition(s, Binding, "", nil) {
		return nil, m.interrupted(s)
	}
	bound, err := m.api.Bind(s.ctx, backend.BindRequest{
		PhysicalDeviceID: s.physical,
		Battery:          backend.DefaultBattery,
		Adult:            *adult,
		PeripheralID:     s.peripheral,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, m.interrupted(s)
		}
		return nil, m.failBind(s, reasonFor(err, ReasonBindRejected), err, adult)
	}

	bound.OnlineViaWifi = true
	m.registry.UpsertBound(*bound)
	if err := m.release(s, true); err != nil {
		s.log.WithError(err).Warn("Cleanup after bind was incomplete")
	}
	m.clearRetained()
	if !m.transition(s, Bound, "", nil) {
		return nil, m.interrupted(s)
	}
	return &Result{Session: s.id, PhysicalDeviceID: s.physical, ConfirmedVia: s.confirmedVia, Device: bound}, nil
}

// capture asks for the adult profile until it validates. A nil profile from
// the capturer cancels the session. A valid initial profile is reused as is.
func (m *Machine) capture(s *session, initial *profile.Adult) (*profile.Adult, error) {
	if initial != nil {
		normalized := initial.Normalized()
		if normalized.Validate(m.now()) == nil {
			s.log.Info("Reusing retained profile")
			return &normalized, nil
		}
	}

	current := initial
	for attempt := 1; attempt <= m.cfg.MaxCaptureAttempts; attempt++ {
		adult, err := m.capturer.Capture(s.ctx, current)
		if s.ctx.Err() != nil {
			return nil, m.interrupted(s)
		}
		if err != nil {
			s.log.WithError(err).Warn("Profile capture failed")
			s.cancel(fmt.Errorf("%w: %w", ErrCancelled, err))
			return nil, m.interrupted(s)
		}
		if adult == nil {
			s.log.Info("Profile capture cancelled")
			s.cancel(ErrCancelled)
			return nil, m.interrupted(s)
		}

		normalized := adult.Normalized()
		if err := normalized.Validate(m.now()); err != nil {
			s.log.WithError(err).WithField("attempt", attempt).Info("Invalid profile, asking again")
			current = &normalized
			continue
		}
		return &normalized, nil
	}
	s.cancel(fmt.Errorf("%w: profile still invalid after %d attempts", ErrCancelled, m.cfg.MaxCaptureAttempts))
	return nil, m.interrupted(s)
}

// failBind fails a session after confirmation. The pending binding stays on
// disk; the profile is kept with it only when retention is enabled.
func (m *Machine) failBind(s *session, reason Reason, err error, adult *profile.Adult) *FailedError {
	b := pending.Binding{
		PhysicalDeviceID: s.physical,
		SSID:             s.ssid,
		PeripheralID:     s.peripheral,
		ConfirmedVia:     s.confirmedVia,
		CreatedAt:        s.startedAt,
	}
	if adult != nil && m.cfg.RetainProfileOnBindFailure {
		cp := *adult
		b.Profile = &cp
	}
	if saveErr := m.store.Save(context.WithoutCancel(s.ctx), &b); saveErr != nil {
		s.log.WithError(saveErr).Warn("Failed to persist pending binding")
	}
	m.registry.SetPending(&b)

	m.mu.Lock()
	m.retained = &retainedBind{binding: b, userID: s.userID}
	m.mu.Unlock()

	fe := m.fail(s, reason, err)
	fe.Retained = b.Profile
	return fe
}

func (m *Machine) clearRetained() {
	m.mu.Lock()
	m.retained = nil
	m.mu.Unlock()
}
