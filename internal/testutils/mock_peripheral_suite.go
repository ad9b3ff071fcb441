package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	goble "github.com/cautelapp/carelink/internal/device/go-ble"
	"github.com/cautelapp/carelink/internal/testutils/mocks"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite provides a reusable test suite with mock bracelet support.
// It swaps goble.DeviceFactory and goble.Dial for the duration of each test.
//
// Basic usage (default bracelet reporting physical id "CA-1"):
//
//	type TransportSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func TestTransportSuite(t *testing.T) {
//	    suite.Run(t, new(TransportSuite))
//	}
//
// Custom peripheral:
//
//	func (s *TransportSuite) SetupTest() {
//	    s.WithPeripheral("AA:BB:CC:DD:EE:FF", testutils.NewBraceletBuilder("CA-9"))
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalDeviceFactory func() (goble.Radio, error)
	OriginalDial          func(ctx context.Context, address string) (goble.GATTClient, error)

	// Radio is the mocked platform radio; Scan blocks until its context is cancelled
	Radio *mocks.MockRadio

	// Advertise is called by the mocked radio for every scan, with the scan handler
	Advertise func(emit func(address, name string, rssi int))

	mu          sync.Mutex
	builders    map[string]*PeripheralDeviceBuilder
	peripherals map[string]*MockPeripheral
	DialErr     error
}

// SetupSuite initializes the test helper. Called once before all tests in the suite.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
}

// WithPeripheral registers a peripheral reachable at address
func (s *MockBLEPeripheralSuite) WithPeripheral(address string, b *PeripheralDeviceBuilder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builders == nil {
		s.builders = map[string]*PeripheralDeviceBuilder{}
	}
	s.builders[address] = b
}

// Peripheral returns the mock built for address by the last Dial, or nil
func (s *MockBLEPeripheralSuite) Peripheral(address string) *MockPeripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peripherals[address]
}

// SetupTest installs the mock factories. Called before each test method.
func (s *MockBLEPeripheralSuite) SetupTest() {
	s.mu.Lock()
	if s.builders == nil {
		s.builders = map[string]*PeripheralDeviceBuilder{
			"AA:BB:CC:DD:EE:FF": NewBraceletBuilder("CA-1"),
		}
	}
	s.peripherals = map[string]*MockPeripheral{}
	s.mu.Unlock()

	s.Radio = &mocks.MockRadio{}
	s.Radio.On("Scan", mock.Anything, true, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			if s.Advertise != nil {
				handler := args.Get(2)
				s.Advertise(func(address, name string, rssi int) {
					emitAdvertisement(handler, address, name, rssi)
				})
			}
			<-ctx.Done()
		}).
		Return(context.Canceled)
	s.Radio.On("Stop").Return(nil)

	s.OriginalDeviceFactory = goble.DeviceFactory
	s.OriginalDial = goble.Dial

	goble.DeviceFactory = func() (goble.Radio, error) {
		return s.Radio, nil
	}
	goble.Dial = func(ctx context.Context, address string) (goble.GATTClient, error) {
		if s.DialErr != nil {
			return nil, s.DialErr
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		b, ok := s.builders[address]
		if !ok {
			return nil, fmt.Errorf("can't dial %s: %w", address, context.DeadlineExceeded)
		}
		p := b.Build()
		s.peripherals[address] = p
		return p.Client, nil
	}

	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest restores the factories and resets the configuration.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.OriginalDeviceFactory != nil {
		goble.DeviceFactory = s.OriginalDeviceFactory
	}
	if s.OriginalDial != nil {
		goble.Dial = s.OriginalDial
	}

	s.mu.Lock()
	s.builders = nil
	s.peripherals = nil
	s.mu.Unlock()
	s.Advertise = nil
	s.DialErr = nil
}

// Eventually waits for cond with the suite's default polling
func (s *MockBLEPeripheralSuite) Eventually(cond func() bool, msg string) {
	s.Require().Eventually(cond, 2*time.Second, 5*time.Millisecond, msg)
}

func emitAdvertisement(handler interface{}, address, name string, rssi int) {
	h, ok := handler.(blelib.AdvHandler)
	if !ok {
		panic(fmt.Sprintf("unexpected scan handler type %T", handler))
	}
	h(&mocks.MockAdvertisement{
		Name:    name,
		Address: address,
		Rssi:    rssi,
		Svcs:    []blelib.UUID{blelib.MustParse(device.BraceletServiceUUID)},
		Conn:    true,
	})
}
