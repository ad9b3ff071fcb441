package main

import (
	"context"
	"testing"

	"github.com/cautelapp/carelink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type EventsTestSuite struct {
	CommandTestSuite
}

func (s *EventsTestSuite) TestFollowConnectionEvents() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &testutils.SyncBuffer{}
	done := s.Start(ctx, "", out, nil, "events")
	s.Require().True(s.api.WaitSubscribers(testutils.StreamConnection, 1, wait))

	s.api.Push(testutils.StreamConnection, map[string]any{
		"deviceId": "CA-0001", "userId": 42, "ssid": "HomeNet", "ip": "10.0.0.7", "rssi": -50, "status": "connected",
	})
	s.api.Push(testutils.StreamConnection, map[string]any{"deviceId": "CA-0002", "status": "disconnected"})
	s.WaitOutput(out, "CA-0002 is offline")
	s.Contains(out.String(), `CA-0001 joined WiFi "HomeNet" at 10.0.0.7 (-50 dBm)`)

	cancel()
	res := testutils.Receive(s.T(), done, wait)
	s.ErrorIs(res.err, context.Canceled)
}

func (s *EventsTestSuite) TestNotifications() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &testutils.SyncBuffer{}
	done := s.Start(ctx, "", out, nil, "events", "--notifications")
	s.Require().True(s.api.WaitSubscribers(testutils.StreamNotifications, 1, wait))

	s.api.Push(testutils.StreamNotifications, map[string]any{
		"id_notificacion": 3, "id_adulto": 7, "tipo": "EMERGENCIA", "pulso": 130,
		"mensaje": "Botón de pánico presionado", "fecha_hora": "2026-10-17T10:00:00Z",
	})
	s.WaitOutput(out, "[EMERGENCIA] adult #7: Botón de pánico presionado (pulse 130 bpm)")

	cancel()
	testutils.Receive(s.T(), done, wait)
}

func (s *EventsTestSuite) TestStreamGivesUp() {
	s.api.RejectStreams(testutils.StreamConnection, 100)

	res := s.Execute("", "events")
	s.Require().ErrorIs(res.err, ErrStreamEnded)
}

func (s *EventsTestSuite) TestEachRunGetsItsOwnContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := s.ExecuteContext(ctx, "", nil, nil, "events")
	s.Require().ErrorIs(res.err, context.Canceled)

	s.api.RejectStreams(testutils.StreamConnection, 100)
	res = s.Execute("", "events")
	s.ErrorIs(res.err, ErrStreamEnded, "a cancelled earlier run must not leak into this one")
}

func TestEventsTestSuite(t *testing.T) {
	suite.Run(t, new(EventsTestSuite))
}
