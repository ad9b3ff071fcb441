package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// DefaultWriteChunkSize is the ATT payload that fits the default MTU of 23 bytes
	DefaultWriteChunkSize = 20

	// DefaultWriteChunkDelay spaces chunks of a single long write
	DefaultWriteChunkDelay = 10 * time.Millisecond

	// DefaultConnectTimeout bounds dial plus profile discovery
	DefaultConnectTimeout = 10 * time.Second

	// DefaultChannelBuffer is the buffer size of scan and notification channels
	DefaultChannelBuffer = 64
)

// Options configures the go-ble transport
type Options struct {
	ConnectTimeout  time.Duration
	WriteChunkSize  int
	WriteChunkDelay time.Duration
	ChannelBuffer   int
}

// DefaultOptions returns the transport defaults
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  DefaultConnectTimeout,
		WriteChunkSize:  DefaultWriteChunkSize,
		WriteChunkDelay: DefaultWriteChunkDelay,
		ChannelBuffer:   DefaultChannelBuffer,
	}
}

// Transport implements device.Transport on top of go-ble.
type Transport struct {
	logger *logrus.Logger
	opts   Options

	// peripherals keeps every scanned peripheral keyed by its address
	peripherals *hashmap.Map[string, *scanEntry]

	mu    sync.Mutex
	radio Radio
	scan  *scanSession
	links map[device.PeripheralID]*link
}

var _ device.Transport = (*Transport)(nil)

// NewTransport creates a go-ble transport. Initialize must be called before use.
func NewTransport(logger *logrus.Logger, opts *Options) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	o := DefaultOptions()
	if opts != nil {
		if opts.ConnectTimeout > 0 {
			o.ConnectTimeout = opts.ConnectTimeout
		}
		if opts.WriteChunkSize > 0 {
			o.WriteChunkSize = opts.WriteChunkSize
		}
		if opts.WriteChunkDelay >= 0 {
			o.WriteChunkDelay = opts.WriteChunkDelay
		}
		if opts.ChannelBuffer > 0 {
			o.ChannelBuffer = opts.ChannelBuffer
		}
	}
	return &Transport{
		logger:      logger,
		opts:        o,
		peripherals: hashmap.New[string, *scanEntry](),
		links:       make(map[device.PeripheralID]*link),
	}
}

// Initialize opens the platform radio. It is safe to call more than once.
func (t *Transport) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.radio != nil {
		return nil
	}

	radio, err := DeviceFactory()
	if err != nil {
		t.logger.WithError(err).Error("Failed to open BLE radio")
		if !errors.Is(err, device.ErrTransportUnavailable) {
			err = fmt.Errorf("%w: %w", device.ErrTransportUnavailable, err)
		}
		return err
	}
	t.radio = radio
	t.logger.Debug("BLE radio initialized")
	return nil
}

func (t *Transport) getRadio() (Radio, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.radio == nil {
		return nil, &device.ConnectionError{State: device.NotInitialized, Msg: "transport not initialized"}
	}
	return t.radio, nil
}

func (t *Transport) getLink(id device.PeripheralID) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.links[id]
	if !ok {
		return nil, &device.ConnectionError{State: device.NotConnected, Msg: string(id)}
	}
	return l, nil
}

// Connect dials the peripheral and discovers its GATT profile.
// All failures are reported as device.ErrConnectionFailed.
func (t *Transport) Connect(ctx context.Context, id device.PeripheralID) (device.Link, error) {
	if _, err := t.getRadio(); err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrConnectionFailed, err)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: peripheral id is empty", device.ErrConnectionFailed)
	}

	t.mu.Lock()
	if _, ok := t.links[id]; ok {
		t.mu.Unlock()
		t.logger.WithField("peripheral", id).Warn("Connection attempt while already connected")
		return nil, fmt.Errorf("%w: %w", device.ErrConnectionFailed, device.ErrAlreadyConnected)
	}
	t.mu.Unlock()

	log := t.logger.WithFields(logrus.Fields{
		"peripheral": id,
		"timeout":    t.opts.ConnectTimeout,
	})
	log.Info("Connecting to bracelet...")

	connCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	client, err := Dial(connCtx, string(id))
	if err != nil {
		log.WithError(err).Error("Failed to dial peripheral")
		return nil, fmt.Errorf("%w: dial %q: %w", device.ErrConnectionFailed, id, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		log.WithError(err).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("%w: discover profile: %w", device.ErrConnectionFailed, NormalizeError(err))
	}

	l := newLink(id, client, profile, t.logger)

	t.mu.Lock()
	t.links[id] = l
	t.mu.Unlock()

	l.monitor(func(cause error) {
		t.dropLink(id, l, cause)
	})
	t.markConnected(id, true)

	log.WithField("characteristics", len(l.chars)).Info("Bracelet connected")
	return l, nil
}

// dropLink removes l from the link table and notifies its observers.
func (t *Transport) dropLink(id device.PeripheralID, l *link, cause error) {
	t.mu.Lock()
	if cur, ok := t.links[id]; ok && cur == l {
		delete(t.links, id)
	}
	t.mu.Unlock()

	t.markConnected(id, false)
	l.markDown(cause)
	l.closeSubscriptions()
}

// Disconnect tears the link down. It never fails observably.
func (t *Transport) Disconnect(id device.PeripheralID) {
	t.mu.Lock()
	l, ok := t.links[id]
	if ok {
		delete(t.links, id)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.WithField("peripheral", id).Debug("Disconnect called but already disconnected")
		return
	}

	t.logger.WithField("peripheral", id).Info("Disconnecting bracelet...")

	if errs := l.closeSubscriptions(); len(errs) > 0 {
		t.logger.WithFields(logrus.Fields{
			"peripheral": id,
			"errors":     errors.Join(errs...),
		}).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}

	if err := l.client.CancelConnection(); err != nil {
		t.logger.WithFields(logrus.Fields{
			"peripheral": id,
			"error":      err,
		}).Warn("Bracelet disconnected with errors")
	}

	t.markConnected(id, false)
	l.markDown(nil)
}

// ReadCharacteristic reads a characteristic value.
func (t *Transport) ReadCharacteristic(ctx context.Context, id device.PeripheralID, service, char string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := t.getLink(id)
	if err != nil {
		return nil, err
	}
	c, err := l.characteristic(service, char)
	if err != nil {
		return nil, err
	}
	data, err := l.client.ReadCharacteristic(c)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s in service %s: %w", char, service, NormalizeError(err))
	}
	return data, nil
}

// WriteCharacteristic writes data with response, split into chunks.
// Concurrent writers to the same link are serialized but not ordered.
func (t *Transport) WriteCharacteristic(ctx context.Context, id device.PeripheralID, service, char string, data []byte) error {
	l, err := t.getLink(id)
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrWriteFailed, err)
	}
	c, err := l.characteristic(service, char)
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrWriteFailed, err)
	}
	if c.Property&(ble.CharWrite|ble.CharWriteNR) == 0 {
		return fmt.Errorf("%w: characteristic %s is not writable: %w", device.ErrWriteFailed, char, device.ErrUnsupported)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for first := true; first || len(data) > 0; first = false {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", device.ErrWriteFailed, err)
		}
		n := len(data)
		if n > t.opts.WriteChunkSize {
			n = t.opts.WriteChunkSize
		}
		if err := l.client.WriteCharacteristic(c, data[:n], false); err != nil {
			return fmt.Errorf("%w: characteristic %s in service %s: %w", device.ErrWriteFailed, char, service, NormalizeError(err))
		}
		data = data[n:]
		if len(data) > 0 && t.opts.WriteChunkDelay > 0 {
			time.Sleep(t.opts.WriteChunkDelay)
		}
	}
	return nil
}

// SubscribeNotifications subscribes to a notify (or indicate) characteristic.
// Subscribing again to the same characteristic replaces the previous subscription.
func (t *Transport) SubscribeNotifications(ctx context.Context, id device.PeripheralID, service, char string) (device.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := t.getLink(id)
	if err != nil {
		return nil, err
	}
	return l.subscribe(service, char, t.opts.ChannelBuffer)
}

// Close stops scanning, drops every link and releases the radio.
func (t *Transport) Close() error {
	t.StopScan()

	t.mu.Lock()
	ids := make([]device.PeripheralID, 0, len(t.links))
	for id := range t.links {
		ids = append(ids, id)
	}
	radio := t.radio
	t.radio = nil
	t.mu.Unlock()

	for _, id := range ids {
		t.Disconnect(id)
	}

	if radio == nil {
		return nil
	}
	if err := radio.Stop(); err != nil {
		return NormalizeError(err)
	}
	return nil
}
