// Package mocks holds testify mocks for the BLE stack and the transport contract.
package mocks

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockRadio mocks the scanning part of ble.Device
type MockRadio struct {
	mock.Mock
}

func (m *MockRadio) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *MockRadio) Stop() error {
	args := m.Called()
	return args.Error(0)
}

// MockGATTClient mocks the part of ble.Client used for provisioning.
// Closing DisconnectedCh simulates the platform dropping the link.
type MockGATTClient struct {
	mock.Mock
	DisconnectedCh chan struct{}
}

// NewMockGATTClient creates a client mock with an open Disconnected channel
func NewMockGATTClient() *MockGATTClient {
	return &MockGATTClient{DisconnectedCh: make(chan struct{})}
}

func (m *MockGATTClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockGATTClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockGATTClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	args := m.Called(c, value, noRsp)
	return args.Error(0)
}

func (m *MockGATTClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	return args.Error(0)
}

func (m *MockGATTClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	return args.Error(0)
}

func (m *MockGATTClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockGATTClient) Disconnected() <-chan struct{} {
	return m.DisconnectedCh
}

// MockAdvertisement is a static ble.Advertisement
type MockAdvertisement struct {
	Name     string
	Address  string
	Rssi     int
	Svcs     []ble.UUID
	MfgData  []byte
	TxPower  int
	Conn     bool
	SvcsData []ble.ServiceData
}

var _ ble.Advertisement = (*MockAdvertisement)(nil)

func (a *MockAdvertisement) LocalName() string              { return a.Name }
func (a *MockAdvertisement) ManufacturerData() []byte       { return a.MfgData }
func (a *MockAdvertisement) ServiceData() []ble.ServiceData { return a.SvcsData }
func (a *MockAdvertisement) Services() []ble.UUID           { return a.Svcs }
func (a *MockAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a *MockAdvertisement) TxPowerLevel() int              { return a.TxPower }
func (a *MockAdvertisement) Connectable() bool              { return a.Conn }
func (a *MockAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a *MockAdvertisement) RSSI() int                      { return a.Rssi }
func (a *MockAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.Address) }
