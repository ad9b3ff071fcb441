package mocks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/stretchr/testify/mock"
)

// RecordedWrite is one WriteCharacteristic call seen by MockTransport
type RecordedWrite struct {
	Peripheral device.PeripheralID
	Char       string
	Data       []byte
	At         time.Time
}

// MockTransport mocks device.Transport. Links and subscriptions are real
// objects the test drives with Notify and DropLink.
type MockTransport struct {
	mock.Mock

	// WriteLatency is slept inside every write to expose overlapping writes
	WriteLatency time.Duration

	mu       sync.Mutex
	links    map[device.PeripheralID]*MockLink
	subs     map[device.PeripheralID]*MockSubscription
	adverts  []device.Peripheral
	scanStop chan struct{}
	writes   []RecordedWrite

	inFlight   atomic.Int32
	overlapped atomic.Bool
}

var _ device.Transport = (*MockTransport)(nil)

func NewMockTransport() *MockTransport {
	return &MockTransport{
		links: make(map[device.PeripheralID]*MockLink),
		subs:  make(map[device.PeripheralID]*MockSubscription),
	}
}

// ExpectBracelet allows every call a healthy bracelet answers. Expectations
// registered before it take precedence.
func (m *MockTransport) ExpectBracelet(id device.PeripheralID, physicalID string) *MockTransport {
	profile := device.DefaultGATTProfile()
	m.On("Initialize", mock.Anything).Return(nil).Maybe()
	m.On("Scan", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("StopScan").Return().Maybe()
	m.On("Connect", mock.Anything, id).Return(nil).Maybe()
	m.On("ReadCharacteristic", mock.Anything, id, profile.Service, profile.DeviceInfo).Return([]byte(physicalID), nil).Maybe()
	m.On("WriteCharacteristic", mock.Anything, id, profile.Service, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("SubscribeNotifications", mock.Anything, id, profile.Service, profile.Status).Return(nil).Maybe()
	m.On("Disconnect", id).Return().Maybe()
	return m
}

// Advertise queues peripherals emitted by the next Scan
func (m *MockTransport) Advertise(ps ...device.Peripheral) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adverts = append(m.adverts, ps...)
}

func (m *MockTransport) Initialize(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockTransport) Scan(ctx context.Context, filter *device.ScanFilter) (<-chan device.ScanEvent, error) {
	args := m.Called(ctx, filter)
	if err := args.Error(0); err != nil {
		return nil, err
	}

	m.mu.Lock()
	adverts := append([]device.Peripheral(nil), m.adverts...)
	stop := make(chan struct{})
	m.scanStop = stop
	m.mu.Unlock()

	out := make(chan device.ScanEvent, len(adverts))
	seen := make(map[device.PeripheralID]bool)
	for _, p := range adverts {
		ev := device.ScanEvent{Type: device.ScanEventNew, Peripheral: p}
		if seen[p.ID] {
			ev.Type = device.ScanEventUpdated
		}
		seen[p.ID] = true
		out <- ev
	}
	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
		case <-stop:
		}
	}()
	return out, nil
}

func (m *MockTransport) StopScan() {
	m.Called()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanStop != nil {
		close(m.scanStop)
		m.scanStop = nil
	}
}

func (m *MockTransport) Connect(ctx context.Context, id device.PeripheralID) (device.Link, error) {
	args := m.Called(ctx, id)
	if err := args.Error(0); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	link := newMockLink(id)
	m.links[id] = link
	return link, nil
}

func (m *MockTransport) ReadCharacteristic(ctx context.Context, id device.PeripheralID, service, char string) ([]byte, error) {
	args := m.Called(ctx, id, service, char)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockTransport) WriteCharacteristic(ctx context.Context, id device.PeripheralID, service, char string, data []byte) error {
	if m.inFlight.Add(1) > 1 {
		m.overlapped.Store(true)
	}
	defer m.inFlight.Add(-1)

	m.mu.Lock()
	m.writes = append(m.writes, RecordedWrite{Peripheral: id, Char: char, Data: append([]byte(nil), data...), At: time.Now()})
	m.mu.Unlock()

	if m.WriteLatency > 0 {
		time.Sleep(m.WriteLatency)
	}
	args := m.Called(ctx, id, service, char, data)
	return args.Error(0)
}

func (m *MockTransport) SubscribeNotifications(ctx context.Context, id device.PeripheralID, service, char string) (device.Subscription, error) {
	args := m.Called(ctx, id, service, char)
	if err := args.Error(0); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &MockSubscription{ch: make(chan []byte, 16)}
	m.subs[id] = sub
	return sub, nil
}

// Disconnect fires the link observers with a nil cause, as the real transport does
func (m *MockTransport) Disconnect(id device.PeripheralID) {
	m.Called(id)
	m.mu.Lock()
	link := m.links[id]
	delete(m.links, id)
	m.mu.Unlock()
	if link != nil {
		link.drop(nil)
	}
}

// Notify delivers a status payload to the live subscription of id.
// It reports false when nothing is subscribed.
func (m *MockTransport) Notify(id device.PeripheralID, payload string) bool {
	m.mu.Lock()
	sub := m.subs[id]
	m.mu.Unlock()
	if sub == nil {
		return false
	}
	return sub.deliver([]byte(payload))
}

// DropLink simulates the platform losing the link with cause
func (m *MockTransport) DropLink(id device.PeripheralID, cause error) {
	m.mu.Lock()
	link := m.links[id]
	delete(m.links, id)
	m.mu.Unlock()
	if link != nil {
		link.drop(cause)
	}
}

// Link returns the last link created for id
func (m *MockTransport) Link(id device.PeripheralID) *MockLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[id]
}

// Subscription returns the last subscription created for id
func (m *MockTransport) Subscription(id device.PeripheralID) *MockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id]
}

// Writes returns every write in call order
func (m *MockTransport) Writes() []RecordedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedWrite(nil), m.writes...)
}

// Overlapped reports whether a write started before the previous one returned
func (m *MockTransport) Overlapped() bool {
	return m.overlapped.Load()
}

// MockLink is a device.Link whose drop is triggered by the test
type MockLink struct {
	id       device.PeripheralID
	mu       sync.Mutex
	handlers map[int]device.DisconnectHandler
	next     int
	done     chan struct{}
	cause    error
	dropped  bool
}

func newMockLink(id device.PeripheralID) *MockLink {
	return &MockLink{id: id, handlers: make(map[int]device.DisconnectHandler), done: make(chan struct{})}
}

func (l *MockLink) ID() device.PeripheralID {
	return l.id
}

func (l *MockLink) OnDisconnect(h device.DisconnectHandler) func() {
	l.mu.Lock()
	if l.dropped {
		cause := l.cause
		l.mu.Unlock()
		h(l.id, cause)
		return func() {}
	}
	key := l.next
	l.next++
	l.handlers[key] = h
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, key)
	}
}

func (l *MockLink) Done() <-chan struct{} {
	return l.done
}

func (l *MockLink) drop(cause error) {
	l.mu.Lock()
	if l.dropped {
		l.mu.Unlock()
		return
	}
	l.dropped = true
	l.cause = cause
	close(l.done)
	handlers := make([]device.DisconnectHandler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.handlers = nil
	l.mu.Unlock()

	for _, h := range handlers {
		h(l.id, cause)
	}
}

// MockSubscription is a device.Subscription fed by MockTransport.Notify
type MockSubscription struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool

	// UnsubscribeErr is returned by Unsubscribe; the channel is closed regardless
	UnsubscribeErr error
	unsubscribed   int
}

func (s *MockSubscription) C() <-chan []byte {
	return s.ch
}

func (s *MockSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.UnsubscribeErr
}

// Unsubscribed counts Unsubscribe calls
func (s *MockSubscription) Unsubscribed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

func (s *MockSubscription) deliver(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- data:
		return true
	default:
		return false
	}
}
