package backend_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/cautelapp/carelink/internal/testutils"
)

const token = "test-token"

type ClientTestSuite struct {
	suite.Suite
	fake   *testutils.FakeBackend
	client *backend.Client
}

func (s *ClientTestSuite) SetupTest() {
	s.fake = testutils.NewFakeBackend(s.T(), token)
	client, err := backend.NewClient(backend.Config{
		BaseURL:    s.fake.URL() + "/",
		Timeout:    time.Second,
		MaxRetries: 2,
	}, backend.StaticToken(token), testutils.DiscardLogger())
	s.Require().NoError(err)
	s.client = client
}

func (s *ClientTestSuite) TestNewClient() {
	_, err := backend.NewClient(backend.Config{BaseURL: "not a url"}, backend.StaticToken(token), nil)
	s.Error(err)

	_, err = backend.NewClient(backend.Config{BaseURL: "http://localhost"}, nil, nil)
	s.Error(err)

	s.Equal(s.fake.URL(), s.client.BaseURL(), "trailing slash trimmed")
}

func (s *ClientTestSuite) TestBind() {
	ctx := context.Background()
	bd, _ := profile.ParseBirthDate("1940-02-03")

	s.Run("sends the wire body keyed by physical id", func() {
		bound, err := s.client.Bind(ctx, backend.BindRequest{
			PhysicalDeviceID: "CA-1",
			Adult:            profile.Adult{Name: " Rosa ", BirthDate: bd, Address: "Calle 1"},
			PeripheralID:     "aa:bb:cc:dd:ee:ff",
		})
		s.Require().NoError(err)
		s.Equal(device.PhysicalDeviceID("CA-1"), bound.PhysicalDeviceID)
		s.Equal("Rosa", bound.AdultName)
		s.Equal(backend.DefaultBattery, bound.Battery)
		s.NotZero(bound.AdultID)

		reqs := s.fake.RequestsTo("POST /device/vincular")
		s.Require().Len(reqs, 1)
		testutils.NewJSONAsserter(s.T()).WithOptions(testutils.WithIgnoreExtraKeys(false)).Assert(reqs[0].Body, `{
			"mac_address": "CA-1",
			"bateria": 100,
			"nombre_adulto": "Rosa",
			"fecha_nacimiento": "1940-02-03",
			"direccion": "Calle 1",
			"ble_device_id": "aa:bb:cc:dd:ee:ff"
		}`)
		s.Equal("Bearer "+token, reqs[0].Auth)
		s.NotEmpty(reqs[0].RequestID)
	})

	s.Run("rejection carries the server message verbatim", func() {
		_, err := s.client.Bind(ctx, backend.BindRequest{PhysicalDeviceID: "CA-1", Adult: profile.Adult{Name: "Rosa"}})
		s.ErrorIs(err, backend.ErrBindRejected)
		msg, ok := backend.ServerMessage(err)
		s.True(ok)
		s.Equal("El dispositivo ya está vinculado", msg)
	})

	s.Run("message arrays are joined", func() {
		s.fake.FailNext("POST /device/vincular", http.StatusBadRequest, `{"message":["nombre_adulto must be a string","bateria must be a number"],"error":"Bad Request"}`)
		_, err := s.client.Bind(ctx, backend.BindRequest{PhysicalDeviceID: "CA-9", Adult: profile.Adult{Name: "Ana"}})
		s.ErrorIs(err, backend.ErrBindRejected)
		msg, _ := backend.ServerMessage(err)
		s.Equal("nombre_adulto must be a string; bateria must be a number", msg)
	})

	s.Run("server errors are not retried", func() {
		before := len(s.fake.RequestsTo("POST /device/vincular"))
		s.fake.FailNext("POST /device/vincular", http.StatusBadGateway, ``)
		_, err := s.client.Bind(ctx, backend.BindRequest{PhysicalDeviceID: "CA-7", Adult: profile.Adult{Name: "Ana"}})
		s.ErrorIs(err, backend.ErrNetworkUnavailable)
		s.NotErrorIs(err, backend.ErrBindRejected)
		s.Len(s.fake.RequestsTo("POST /device/vincular"), before+1)
	})

	s.Run("invalid physical id never reaches the server", func() {
		before := len(s.fake.Requests())
		_, err := s.client.Bind(ctx, backend.BindRequest{PhysicalDeviceID: "  ", Adult: profile.Adult{Name: "Ana"}})
		s.ErrorIs(err, device.ErrInvalidPhysicalDeviceID)
		s.Len(s.fake.Requests(), before)
	})
}

func (s *ClientTestSuite) TestCheckExists() {
	ctx := context.Background()
	s.fake.SetExists("CA-1", true, true)
	s.fake.SetExists("CA-2", true, false)

	res, err := s.client.CheckExists(ctx, "CA-1")
	s.Require().NoError(err)
	s.Equal(backend.ExistsResult{Exists: true, Bound: true}, res)

	res, err = s.client.CheckExists(ctx, "CA-2")
	s.Require().NoError(err)
	s.Equal(backend.ExistsResult{Exists: true}, res)

	res, err = s.client.CheckExists(ctx, "CA-404")
	s.Require().NoError(err, "404 means the device does not exist")
	s.Equal(backend.ExistsResult{}, res)

	s.Run("transient failure is retried", func() {
		s.fake.FailNext("GET /device/check-exists", http.StatusServiceUnavailable, ``)
		res, err := s.client.CheckExists(ctx, "CA-1")
		s.Require().NoError(err)
		s.True(res.Bound)
	})
}

func (s *ClientTestSuite) TestListMineAndShared() {
	ctx := context.Background()
	s.fake.AddOwned(testutils.FakeAdult{AdultID: 1, PhysicalID: "CA-1", Name: "Rosa", BirthDate: "1940-02-03T00:00:00.000Z", Battery: 80})
	s.fake.AddOwned(testutils.FakeAdult{AdultID: 2, PhysicalID: "", Name: "No device"})
	s.fake.AddShared(testutils.FakeAdult{AdultID: 3, PhysicalID: "CA-3", Name: "Ana", Battery: 55}, 42, "Familia")

	mine, err := s.client.ListMine(ctx)
	s.Require().NoError(err)
	s.Require().Len(mine, 1, "records without a physical id are skipped")
	s.Equal(1, mine[0].AdultID)
	s.Equal(80, mine[0].Battery)
	s.Equal("1940-02-03", mine[0].Adult().BirthDateString())

	shared, err := s.client.ListShared(ctx, "7")
	s.Require().NoError(err)
	s.Require().Len(shared, 1)
	s.True(shared[0].Shared)
	s.Equal(42, shared[0].SharedByUserID)
	s.Equal("Familia", shared[0].GroupName)
	s.Equal(device.PhysicalDeviceID("CA-3"), shared[0].PhysicalDeviceID)
}

func (s *ClientTestSuite) TestStatus() {
	s.fake.SetOnline("CA-1", true)
	st, err := s.client.Status(context.Background())
	s.Require().NoError(err)
	s.Require().Len(st, 1)
	s.Equal(device.PhysicalDeviceID("CA-1"), st[0].PhysicalDeviceID)
	s.True(st[0].Online)
}

func (s *ClientTestSuite) TestStopMonitoringAndUpdate() {
	ctx := context.Background()
	s.fake.AddOwned(testutils.FakeAdult{AdultID: 5, PhysicalID: "CA-5", Name: "Rosa"})

	s.Require().NoError(s.client.UpdateAdult(ctx, 5, profile.Adult{Name: "Rosa María", Address: "Calle 2"}))
	s.Equal("Rosa María", s.fake.Owned()[0].Name)

	s.ErrorIs(s.client.UpdateAdult(ctx, 5, profile.Adult{Name: " "}), profile.ErrNameRequired)

	s.Require().NoError(s.client.StopMonitoring(ctx, 5))
	s.Empty(s.fake.Owned())

	err := s.client.StopMonitoring(ctx, 5)
	s.ErrorIs(err, backend.ErrRequestRejected)
	var apiErr *backend.APIError
	s.Require().ErrorAs(err, &apiErr)
	s.Equal(http.StatusNotFound, apiErr.StatusCode)
}

func (s *ClientTestSuite) TestUnauthorized() {
	client, err := backend.NewClient(backend.Config{BaseURL: s.fake.URL()}, backend.StaticToken("wrong"), testutils.DiscardLogger())
	s.Require().NoError(err)

	_, err = client.ListMine(context.Background())
	s.ErrorIs(err, backend.ErrRequestRejected)
	s.ErrorIs(err, backend.ErrUnauthorized)

	_, err = backend.StaticToken("").Token(context.Background())
	s.ErrorIs(err, backend.ErrUnauthorized)
}

func (s *ClientTestSuite) TestNetworkUnavailable() {
	client, err := backend.NewClient(backend.Config{BaseURL: s.fake.URL(), MaxRetries: 1}, backend.StaticToken(token), testutils.DiscardLogger())
	s.Require().NoError(err)
	s.fake.Close()

	_, err = client.ListMine(context.Background())
	s.ErrorIs(err, backend.ErrNetworkUnavailable)
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func TestServerMessage(t *testing.T) {
	_, ok := backend.ServerMessage(errors.New("plain"))
	if ok {
		t.Fatal("plain errors carry no server message")
	}
}

func TestUserIDFromToken(t *testing.T) {
	sign := func(claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{"numeric id claim", sign(jwt.MapClaims{"id": 7, "email": "a@b.c"}), "7", false},
		{"string sub claim", sign(jwt.MapClaims{"sub": "12"}), "12", false},
		{"no id", sign(jwt.MapClaims{"email": "a@b.c"}), "", true},
		{"garbage", "not-a-jwt", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := backend.UserIDFromToken(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}
