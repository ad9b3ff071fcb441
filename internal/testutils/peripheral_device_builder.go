package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/testutils/mocks"
	blelib "github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// WriteRecord is a single characteristic write observed by the mock client
type WriteRecord struct {
	CharUUID string
	Data     []byte
}

// MockPeripheral is a built mock bracelet: the client, the profile it
// discovers, and hooks to push notifications and inspect writes.
type MockPeripheral struct {
	Client  *mocks.MockGATTClient
	Profile *blelib.Profile

	mu       sync.Mutex
	writes   []WriteRecord
	handlers map[string]blelib.NotificationHandler
}

// Notify pushes a notification payload for the characteristic, as the firmware would.
// Returns false when nobody subscribed to it.
func (p *MockPeripheral) Notify(charUUID string, payload []byte) bool {
	p.mu.Lock()
	h, ok := p.handlers[device.NormalizeUUID(charUUID)]
	p.mu.Unlock()
	if !ok {
		return false
	}
	h(payload)
	return true
}

// Subscribed reports whether a notification handler is installed for the characteristic
func (p *MockPeripheral) Subscribed(charUUID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handlers[device.NormalizeUUID(charUUID)]
	return ok
}

// Writes returns every write in the order it reached the peripheral
func (p *MockPeripheral) Writes() []WriteRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WriteRecord, len(p.writes))
	copy(out, p.writes)
	return out
}

// Drop simulates the platform reporting a lost link
func (p *MockPeripheral) Drop() {
	close(p.Client.DisconnectedCh)
}

// PeripheralDeviceBuilder builds a mocked bracelet with full service/characteristic support
type PeripheralDeviceBuilder struct {
	profile    DeviceProfileConfig
	writeError map[string]error
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile: DeviceProfileConfig{
			Services: []ServiceConfig{},
		},
		writeError: map[string]error{},
	}
}

// NewBraceletBuilder creates a builder preloaded with the bracelet provisioning
// profile; the device-info characteristic reports physicalID.
func NewBraceletBuilder(physicalID string) *PeripheralDeviceBuilder {
	p := device.DefaultGATTProfile()
	return NewPeripheralDeviceBuilder().
		WithService(p.Service).
		WithCharacteristic(p.DeviceInfo, "read", []byte(physicalID)).
		WithCharacteristic(p.UserID, "write", nil).
		WithCharacteristic(p.SSID, "write", nil).
		WithCharacteristic(p.Password, "write", nil).
		WithCharacteristic(p.Status, "read,notify", []byte("IDLE"))
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	lastServiceIdx := len(b.profile.Services) - 1
	b.profile.Services[lastServiceIdx].Characteristics = append(
		b.profile.Services[lastServiceIdx].Characteristics, CharacteristicConfig{
			UUID:       uuid,
			Properties: properties,
			Value:      value,
		})
	return b
}

// WithWriteError makes writes to the characteristic fail with err
func (b *PeripheralDeviceBuilder) WithWriteError(uuid string, err error) *PeripheralDeviceBuilder {
	b.writeError[device.NormalizeUUID(uuid)] = err
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// parseCharacteristicProperties converts a comma separated property list to ble.Property flags
func parseCharacteristicProperties(props string) blelib.Property {
	if props == "" {
		return blelib.CharRead | blelib.CharWrite | blelib.CharNotify
	}

	var property blelib.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "read":
			property |= blelib.CharRead
		case "write":
			property |= blelib.CharWrite
		case "write-nr":
			property |= blelib.CharWriteNR
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		}
	}
	return property
}

// Build creates the mocked client with the configured profile and expectations
func (b *PeripheralDeviceBuilder) Build() *MockPeripheral {
	client := mocks.NewMockGATTClient()
	peripheral := &MockPeripheral{
		Client:   client,
		handlers: make(map[string]blelib.NotificationHandler),
	}

	var bleServices []*blelib.Service
	for _, svcConfig := range b.profile.Services {
		bleService := &blelib.Service{
			UUID: blelib.MustParse(svcConfig.UUID),
		}

		for _, charConfig := range svcConfig.Characteristics {
			bleService.Characteristics = append(bleService.Characteristics, &blelib.Characteristic{
				UUID:     blelib.MustParse(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
				Value:    charConfig.Value,
			})
		}
		bleServices = append(bleServices, bleService)
	}
	peripheral.Profile = &blelib.Profile{Services: bleServices}

	client.On("DiscoverProfile", true).Return(peripheral.Profile, nil)
	client.On("CancelConnection").Return(nil)

	for _, svc := range bleServices {
		for _, char := range svc.Characteristics {
			key := device.NormalizeUUID(char.UUID.String())

			ind := char.Property&blelib.CharNotify == 0
			client.On("Subscribe", char, ind, mock.Anything).
				Run(func(args mock.Arguments) {
					peripheral.mu.Lock()
					peripheral.handlers[key] = args.Get(2).(blelib.NotificationHandler)
					peripheral.mu.Unlock()
				}).
				Return(nil)
			client.On("Unsubscribe", char, ind).
				Run(func(args mock.Arguments) {
					peripheral.mu.Lock()
					delete(peripheral.handlers, key)
					peripheral.mu.Unlock()
				}).
				Return(nil)

			if char.Property&blelib.CharRead != 0 {
				client.On("ReadCharacteristic", char).Return(char.Value, nil)
			} else {
				client.On("ReadCharacteristic", char).Return(nil, fmt.Errorf("characteristic does not support read"))
			}

			writeErr := b.writeError[key]
			client.On("WriteCharacteristic", char, mock.Anything, false).
				Run(func(args mock.Arguments) {
					if writeErr != nil {
						return
					}
					data := append([]byte(nil), args.Get(1).([]byte)...)
					peripheral.mu.Lock()
					peripheral.writes = append(peripheral.writes, WriteRecord{CharUUID: key, Data: data})
					peripheral.mu.Unlock()
				}).
				Return(writeErr)
		}
	}

	return peripheral
}

// GetServices returns the configured services
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}
