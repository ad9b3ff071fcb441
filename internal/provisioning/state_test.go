package provisioning

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Idle, Scanning, true},
		{Idle, Connecting, true},
		{Idle, CheckingExistingBinding, true},
		{Idle, Binding, false},
		{Scanning, Connecting, true},
		{Scanning, Idle, true},
		{Connecting, SendingCredentials, false},
		{SendingCredentials, AwaitingConfirmation, true},
		{AwaitingConfirmation, CheckingExistingBinding, true},
		{AwaitingConfirmation, Bound, false},
		{CheckingExistingBinding, Bound, true},
		{Binding, Failed, true},
		{AwaitingConfirmation, Cancelled, true},
		{Failed, Idle, true},
		{Failed, Connecting, true},
		{Bound, Failed, false},
		{Cancelled, Cancelled, false},
		{Failed, CheckingExistingBinding, true},
		{Bound, CapturingProfile, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestPastCredentials(t *testing.T) {
	assert.False(t, SendingCredentials.pastCredentials())
	assert.True(t, AwaitingConfirmation.pastCredentials())
	assert.True(t, Binding.pastCredentials())
	assert.False(t, Failed.pastCredentials())
	assert.False(t, Idle.pastCredentials())
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonTransportUnavailable, reasonFor(fmt.Errorf("init: %w", device.ErrTransportUnavailable), ReasonConnectionFailed))
	assert.Equal(t, ReasonNetworkUnavailable, reasonFor(backend.ErrNetworkUnavailable, ReasonBindRejected))
	assert.Equal(t, ReasonBindRejected, reasonFor(backend.ErrBindRejected, ReasonNetworkUnavailable))
	assert.Equal(t, ReasonWriteFailed, reasonFor(errors.New("gatt error 0x0e"), ReasonWriteFailed))
}

func TestFailedErrorUserMessage(t *testing.T) {
	fe := &FailedError{Reason: ReasonBindRejected, Err: backend.ErrBindRejected}
	assert.Equal(t, "The server rejected the bracelet binding.", fe.UserMessage())
	assert.ErrorIs(t, fe, backend.ErrBindRejected)
	assert.Equal(t, "provisioning failed: bind_rejected: bind rejected", fe.Error())

	fe = &FailedError{Reason: ReasonConfirmationTimeout}
	assert.True(t, fe.RevertToSelection())
	assert.Contains(t, fe.UserMessage(), "did not confirm")
}

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 30*time.Second, cfg.ConfirmationTimeout)
		assert.Equal(t, 300*time.Millisecond, cfg.WriteDelay)
		assert.Equal(t, PreemptReject, cfg.Preemption)
		assert.True(t, cfg.RetainProfileOnBindFailure)
		assert.Equal(t, device.DefaultGATTProfile(), cfg.Profile)
	})

	t.Run("zero fields are filled but flags are kept", func(t *testing.T) {
		cfg := Config{ConfirmationTimeout: time.Second}.withDefaults()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, time.Second, cfg.ConfirmationTimeout)
		assert.Equal(t, 15*time.Second, cfg.ScanWindow)
		assert.False(t, cfg.RetainProfileOnBindFailure)
		assert.Zero(t, cfg.WriteDelay)
	})

	t.Run("invalid", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Preemption = "queue"
		assert.ErrorContains(t, cfg.Validate(), "preemption")

		cfg = DefaultConfig()
		cfg.Profile.Status = "not-a-uuid"
		assert.ErrorContains(t, cfg.Validate(), "gatt profile")

		cfg = DefaultConfig()
		cfg.WriteDelay = -time.Second
		assert.Error(t, cfg.Validate())
	})
}
