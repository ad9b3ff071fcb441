package events

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFrames(t *testing.T, text string) []frame {
	t.Helper()
	var got []frame
	err := readFrames(strings.NewReader(text), func(f frame) { got = append(got, f) })
	require.ErrorIs(t, err, io.EOF)
	return got
}

func TestReadFrames(t *testing.T) {
	t.Run("single data line", func(t *testing.T) {
		got := collectFrames(t, "data: {\"a\":1}\n\n")
		require.Len(t, got, 1)
		assert.Equal(t, `{"a":1}`, got[0].Data)
	})

	t.Run("multi line data is joined", func(t *testing.T) {
		got := collectFrames(t, "data: first\ndata: second\n\n")
		require.Len(t, got, 1)
		assert.Equal(t, "first\nsecond", got[0].Data)
	})

	t.Run("comments and empty frames are skipped", func(t *testing.T) {
		got := collectFrames(t, ": connected\n\n: ping\n\n\n\ndata: x\n\n")
		require.Len(t, got, 1)
		assert.Equal(t, "x", got[0].Data)
	})

	t.Run("CRLF line endings", func(t *testing.T) {
		got := collectFrames(t, "event: status\r\nid: 7\r\ndata: y\r\n\r\n")
		require.Len(t, got, 1)
		assert.Equal(t, frame{Event: "status", ID: "7", Data: "y"}, got[0])
	})

	t.Run("id carries over, event does not", func(t *testing.T) {
		got := collectFrames(t, "event: a\nid: 1\ndata: one\n\ndata: two\n\n")
		require.Len(t, got, 2)
		assert.Equal(t, "1", got[1].ID)
		assert.Empty(t, got[1].Event)
	})

	t.Run("incomplete trailing frame is not dispatched", func(t *testing.T) {
		got := collectFrames(t, "data: done\n\ndata: partial")
		require.Len(t, got, 1)
	})

	t.Run("field without space", func(t *testing.T) {
		got := collectFrames(t, "data:tight\n\n")
		require.Len(t, got, 1)
		assert.Equal(t, "tight", got[0].Data)
	})

	t.Run("reader error is returned", func(t *testing.T) {
		boom := errors.New("connection reset")
		err := readFrames(io.MultiReader(strings.NewReader("data: a\n\n"), &failingReader{err: boom}), func(frame) {})
		assert.ErrorIs(t, err, boom)
	})
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestDecodeConnection(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("connected with ssid is a provisioning confirmation", func(t *testing.T) {
		ev, err := DecodeConnection([]byte(`{"deviceId":"CA-1","userId":42,"ssid":"HomeNet","ip":"192.168.1.20","rssi":-61,"status":"connected"}`), now)
		require.NoError(t, err)
		assert.Equal(t, WifiProvisioned{
			PhysicalDeviceID: "CA-1",
			SSID:             "HomeNet",
			RSSI:             -61,
			IP:               "192.168.1.20",
			UserID:           "42",
			ReceivedAt:       now,
		}, ev)
	})

	t.Run("string user id", func(t *testing.T) {
		ev, err := DecodeConnection([]byte(`{"deviceId":"CA-1","userId":"u-7","ssid":"n","status":"connected"}`), now)
		require.NoError(t, err)
		assert.Equal(t, "u-7", ev.(WifiProvisioned).UserID)
	})

	t.Run("connected without ssid is an online change", func(t *testing.T) {
		ev, err := DecodeConnection([]byte(`{"deviceId":"CA-2","status":"connected"}`), now)
		require.NoError(t, err)
		assert.Equal(t, OnlineStatusChanged{PhysicalDeviceID: "CA-2", Online: true, ReceivedAt: now}, ev)
	})

	t.Run("disconnected", func(t *testing.T) {
		ev, err := DecodeConnection([]byte(`{"deviceId":"CA-2","status":"disconnected"}`), now)
		require.NoError(t, err)
		assert.Equal(t, OnlineStatusChanged{PhysicalDeviceID: "CA-2", Online: false, ReceivedAt: now}, ev)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := DecodeConnection([]byte(`{"deviceId":"CA-2","status":"rebooting"}`), now)
		assert.ErrorIs(t, err, ErrUnknownStatus)
	})

	t.Run("malformed payloads", func(t *testing.T) {
		for _, raw := range []string{`not json`, `{"status":"connected"}`, `{"deviceId":"CA 1","status":"connected"}`} {
			_, err := DecodeConnection([]byte(raw), now)
			assert.Error(t, err, raw)
		}
	})
}

func TestDecodeNotification(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ev, err := DecodeNotification([]byte(`{"id_notificacion":9,"id_adulto":101,"tipo":"emergencia","fecha_hora":"2026-03-01T09:58:00Z","mensaje":"Botón de pánico"}`), now)
	require.NoError(t, err)
	n := ev.(Notification)
	assert.Equal(t, 9, n.ID)
	assert.Equal(t, 101, n.AdultID)
	assert.True(t, n.IsEmergency())
	assert.Nil(t, n.Pulse)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 58, 0, 0, time.UTC), n.Timestamp)

	ev, err = DecodeNotification([]byte(`{"id_notificacion":10,"id_adulto":101,"tipo":"pulso_alto","pulso":131}`), now)
	require.NoError(t, err)
	n = ev.(Notification)
	assert.False(t, n.IsEmergency())
	require.NotNil(t, n.Pulse)
	assert.Equal(t, 131, *n.Pulse)
	assert.Equal(t, now, n.Timestamp, "missing timestamp falls back to receive time")

	_, err = DecodeNotification([]byte(`{"id_notificacion":11}`), now)
	assert.Error(t, err)
}
