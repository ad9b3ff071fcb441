package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/pending"
	"github.com/cautelapp/carelink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type DevicesTestSuite struct {
	CommandTestSuite
}

func (s *DevicesTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.api.AddOwned(testutils.FakeAdult{AdultID: 7, PhysicalID: "CA-0007", Name: "Ana Ruiz", Battery: 80})
	s.api.AddShared(testutils.FakeAdult{AdultID: 9, PhysicalID: "CA-0009", Name: "Luis Mora", Battery: 55}, 5, "Familia Mora")
	s.api.SetOnline("CA-0007", true)
}

func (s *DevicesTestSuite) TestJSON() {
	res := s.Execute("", "devices", "--format", "json")
	s.Require().NoError(res.err, res.stderr)
	testutils.NewJSONAsserter(s.T()).Assert(res.stdout, `{
		"devices": [
			{"physical_device_id": "CA-0007", "source": "owned", "adult_id": 7, "adult_name": "Ana Ruiz", "online_via_wifi": true, "connected": true},
			{"physical_device_id": "CA-0009", "source": "shared", "adult_name": "Luis Mora", "group_name": "Familia Mora", "connected": false}
		]
	}`)
	s.Len(s.api.RequestsTo("GET /shared-group/my-shared-devices/42"), 1, "shared bracelets use the user id from the token")
}

func (s *DevicesTestSuite) TestTable() {
	res := s.Execute("", "devices")
	s.Require().NoError(res.err)
	s.Contains(res.stdout, "PHYSICAL ID")
	s.Contains(res.stdout, "Ana Ruiz (#7)")
	s.Contains(res.stdout, "80%")
	s.Contains(res.stdout, "shared")
	s.NotContains(res.stdout, "Nearby, not set up")
}

func (s *DevicesTestSuite) TestScanAddsNearbyBracelets() {
	s.transport.Advertise(device.Peripheral{ID: braceletAddr, Name: "CautelApp-01", RSSI: -55})

	res := s.Execute("", "devices", "--scan")
	s.Require().NoError(res.err)
	s.Contains(res.stdout, "Nearby, not set up:")
	s.Contains(res.stdout, "CautelApp-01  C4:4F:33:12:9A:01")
	s.transport.AssertCalled(s.T(), "StopScan")
}

func (s *DevicesTestSuite) TestScanWithNothingNearby() {
	res := s.Execute("", "devices", "--scan")
	s.Require().NoError(res.err)
	s.NotContains(res.stdout, "Nearby")
}

func (s *DevicesTestSuite) TestOwnedListFailure() {
	s.api.FailNext("GET /device/mis-dispositivos", 401, `{"message":"Unauthorized"}`)

	res := s.Execute("", "devices")
	s.Require().Error(res.err)
	s.Equal("Your session expired. Sign in again.", FormatUserError(res.err))
}

func (s *DevicesTestSuite) TestScanRecognisesKnownBracelet() {
	s.Require().NoError(pending.NewPeripheralIndex(s.stateDir, nil).Save(context.Background(),
		map[device.PeripheralID]device.PhysicalDeviceID{braceletAddr: "CA-0007"}))
	s.transport.Advertise(device.Peripheral{ID: braceletAddr, Name: "CautelApp-01", RSSI: -55})

	res := s.Execute("", "devices", "--scan", "--format", "json")
	s.Require().NoError(res.err, res.stderr)

	var view devicesView
	s.Require().NoError(json.Unmarshal([]byte(res.stdout), &view))
	s.Empty(view.Nearby, "a known bracelet is not offered for setup")
	s.Require().NotEmpty(view.Devices)
	s.Equal(device.PhysicalDeviceID("CA-0007"), view.Devices[0].PhysicalDeviceID)
	s.True(view.Devices[0].NearbyViaBLE)
	s.Equal(braceletAddr, view.Devices[0].PeripheralID)

	table := s.Execute("", "devices", "--scan")
	s.Require().NoError(table.err)
	s.Regexp(`CA-0007 +owned +Ana Ruiz \(#7\) +80% +yes +yes +now`, table.stdout)
}

func (s *DevicesTestSuite) TestEditWithFlags() {
	res := s.Execute("", "devices", "edit", "7", "--address", "Calle 2")
	s.Require().NoError(res.err, res.stderr)
	s.Equal("Updated adult #7: Ana Ruiz\n", res.stdout)

	owned := s.api.Owned()
	s.Require().Len(owned, 1)
	s.Equal("Ana Ruiz", owned[0].Name)
	s.Equal("Calle 2", owned[0].Address)
}

func (s *DevicesTestSuite) TestEditWithForm() {
	res := s.Execute("Ana María Ruiz\n1950-06-30\n\n", "devices", "edit", "7")
	s.Require().NoError(res.err, res.stderr)
	s.Contains(res.stdout, "Name [Ana Ruiz]: ")
	s.Contains(res.stdout, "Updated adult #7: Ana María Ruiz")

	owned := s.api.Owned()
	s.Require().Len(owned, 1)
	s.Equal("1950-06-30", owned[0].BirthDate)
}

func (s *DevicesTestSuite) TestEditFormCancelled() {
	res := s.Execute("/cancel\n", "devices", "edit", "7")
	s.Require().NoError(res.err)
	s.Contains(res.stdout, "Nothing changed")
	s.Empty(s.api.RequestsTo("PATCH /device/adulto-mayor/7"))
}

func (s *DevicesTestSuite) TestEditSomeoneElsesAdult() {
	res := s.Execute("", "devices", "edit", "9", "--name", "Luis")
	s.Require().ErrorIs(res.err, ErrAdultNotOwned)
	s.Empty(s.api.RequestsTo("PATCH /device/adulto-mayor/9"))
}

func TestDevicesTestSuite(t *testing.T) {
	suite.Run(t, new(DevicesTestSuite))
}
