package goble

import (
	"context"
	"fmt"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/go-ble/ble"
)

// Radio is the part of ble.Device the transport drives directly.
type Radio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Stop() error
}

// GATTClient is the part of ble.Client used for provisioning.
type GATTClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// DeviceFactory opens the platform radio and installs it as the go-ble default
// device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func() (Radio, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrTransportUnavailable, NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	return dev, nil
}

// Dial connects to a peripheral through the default device (can be overridden in tests).
var Dial = func(ctx context.Context, address string) (GATTClient, error) {
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}
