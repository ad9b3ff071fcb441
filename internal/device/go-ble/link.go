package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/groutine"
	"github.com/cautelapp/carelink/internal/ringchan"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// link is a live connection to one bracelet
type link struct {
	id      device.PeripheralID
	client  GATTClient
	chars   map[string]*ble.Characteristic // key: normalized service + "/" + normalized char
	logger  *logrus.Logger
	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[uint64]device.DisconnectHandler
	nextID   uint64
	subs     map[string]*subscription
	down     bool

	done     chan struct{}
	downOnce sync.Once
}

var _ device.Link = (*link)(nil)

func charKey(service, char string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(char)
}

func newLink(id device.PeripheralID, client GATTClient, profile *ble.Profile, logger *logrus.Logger) *link {
	l := &link{
		id:       id,
		client:   client,
		chars:    make(map[string]*ble.Characteristic),
		logger:   logger,
		handlers: make(map[uint64]device.DisconnectHandler),
		subs:     make(map[string]*subscription),
		done:     make(chan struct{}),
	}

	if profile == nil {
		return l
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			key := charKey(svc.UUID.String(), c.UUID.String())
			l.chars[key] = c
			logger.WithFields(logrus.Fields{
				"service_uuid": svc.UUID.String(),
				"char_uuid":    c.UUID.String(),
			}).Debug("Found characteristic UUID")
		}
	}
	return l
}

func (l *link) ID() device.PeripheralID {
	return l.id
}

func (l *link) Done() <-chan struct{} {
	return l.done
}

// OnDisconnect registers h. If the link is already down h fires immediately.
func (l *link) OnDisconnect(h device.DisconnectHandler) func() {
	l.mu.Lock()
	if l.down {
		l.mu.Unlock()
		h(l.id, device.ErrNotConnected)
		return func() {}
	}
	id := l.nextID
	l.nextID++
	l.handlers[id] = h
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}
}

// markDown closes the link and fires every registered handler once.
// Registration and the handler swap share l.mu, so no handler is missed.
func (l *link) markDown(cause error) {
	l.downOnce.Do(func() {
		l.mu.Lock()
		l.down = true
		close(l.done)
		handlers := make([]device.DisconnectHandler, 0, len(l.handlers))
		for _, h := range l.handlers {
			handlers = append(handlers, h)
		}
		l.handlers = map[uint64]device.DisconnectHandler{}
		l.mu.Unlock()

		l.logger.WithFields(logrus.Fields{
			"peripheral": l.id,
			"observers":  len(handlers),
			"cause":      cause,
		}).Debug("Link down, notifying observers")

		for _, h := range handlers {
			h(l.id, cause)
		}
	})
}

// monitor watches the client's Disconnected channel when the platform provides one.
func (l *link) monitor(onDrop func(cause error)) {
	dc, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.logger.Debug("Client does not support Disconnected() channel")
		return
	}

	groutine.Go(context.Background(), "ble-link-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			l.logger.WithField("peripheral", l.id).Warn("Platform reported disconnection")
			onDrop(device.ErrNotConnected)
		case <-l.done:
		}
	})
}

func (l *link) characteristic(service, char string) (*ble.Characteristic, error) {
	c, ok := l.chars[charKey(service, char)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, char}}
	}
	return c, nil
}

func (l *link) subscribe(service, char string, buffer int) (*subscription, error) {
	c, err := l.characteristic(service, char)
	if err != nil {
		return nil, err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, fmt.Errorf("characteristic %s does not support notifications: %w", char, device.ErrUnsupported)
	}

	key := charKey(service, char)
	l.mu.Lock()
	prev := l.subs[key]
	l.mu.Unlock()
	if prev != nil {
		_ = prev.Unsubscribe()
	}

	sub := &subscription{
		link:     l,
		key:      key,
		char:     c,
		indicate: c.Property&ble.CharNotify == 0,
		rc:       ringchan.New[[]byte](buffer),
	}

	err = NormalizeError(l.client.Subscribe(c, sub.indicate, func(data []byte) {
		payload := make([]byte, len(data))
		copy(payload, data)
		sub.rc.Send(payload)
	}))
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"serviceUUID": service,
			"charUUID":    char,
			"error":       err,
		}).Error("Failed to subscribe to characteristic notifications")
		return nil, fmt.Errorf("subscribe %s: %w", char, err)
	}

	l.mu.Lock()
	l.subs[key] = sub
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"serviceUUID": service,
		"charUUID":    char,
	}).Info("Successfully subscribed to characteristic notifications")
	return sub, nil
}

// closeSubscriptions unsubscribes everything still attached to the link.
func (l *link) closeSubscriptions() []error {
	l.mu.Lock()
	subs := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// subscription delivers notification payloads over a drop-oldest channel
type subscription struct {
	link     *link
	key      string
	char     *ble.Characteristic
	indicate bool
	rc       *ringchan.RingChannel[[]byte]
	once     sync.Once
}

var _ device.Subscription = (*subscription)(nil)

func (s *subscription) C() <-chan []byte {
	return s.rc.C()
}

// Unsubscribe detaches from the characteristic and closes C. Safe to call more than once.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.link.mu.Lock()
		if cur, ok := s.link.subs[s.key]; ok && cur == s {
			delete(s.link.subs, s.key)
		}
		s.link.mu.Unlock()

		select {
		case <-s.link.done:
			// link already gone, nothing to tell the peripheral
		default:
			if uerr := NormalizeError(s.link.client.Unsubscribe(s.char, s.indicate)); uerr != nil {
				err = fmt.Errorf("unsubscribe %s: %w", s.char.UUID.String(), uerr)
			}
		}
		s.rc.Close()
	})
	return err
}
