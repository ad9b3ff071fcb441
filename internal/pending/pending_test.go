package pending

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Binding {
	return &Binding{
		PhysicalDeviceID: "CA-1",
		SSID:             "HomeNet",
		PeripheralID:     "aa:bb:cc:dd:ee:ff",
		ConfirmedVia:     ConfirmedSSE,
		CreatedAt:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Profile:          &profile.Adult{Name: "Rosa"},
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	store := NewFileStore(dir, nil)

	t.Run("load without file", func(t *testing.T) {
		b, err := store.Load(ctx)
		assert.NoError(t, err)
		assert.Nil(t, b)
	})

	t.Run("save and load", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sample()))

		b, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, sample(), b)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temp files left behind")
	})

	t.Run("survives a new store instance", func(t *testing.T) {
		b, err := NewFileStore(dir, nil).Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, "CA-1", b.PhysicalDeviceID.String())
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx))
		require.NoError(t, store.Clear(ctx))
		b, err := store.Load(ctx)
		assert.NoError(t, err)
		assert.Nil(t, b)
	})

	t.Run("corrupt file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`{"physical_device_id":""}`), 0o600))
		_, err := store.Load(ctx)
		assert.Error(t, err)
	})
}

func TestPeripheralIndex(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	index := NewPeripheralIndex(dir, nil)

	table, err := index.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, table)

	require.NoError(t, index.Save(ctx, map[device.PeripheralID]device.PhysicalDeviceID{
		"C4:4F:33:12:9A:01": "CA-0001",
		"c4:4f:33:12:9a:02": "CA-0002",
	}))

	table, err = NewPeripheralIndex(dir, nil).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[device.PeripheralID]device.PhysicalDeviceID{
		"c4:4f:33:12:9a:01": "CA-0001",
		"c4:4f:33:12:9a:02": "CA-0002",
	}, table)

	t.Run("malformed entries are skipped", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, PeripheralsFileName), []byte(`{"aa:bb":"","cc:dd":"CA-7"}`), 0o600))
		table, err := index.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[device.PeripheralID]device.PhysicalDeviceID{"cc:dd": "CA-7"}, table)
	})

	t.Run("unreadable file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, PeripheralsFileName), []byte(`[`), 0o600))
		_, err := index.Load(ctx)
		assert.Error(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := &MemoryStore{}

	require.NoError(t, m.Save(ctx, sample()))
	b, err := m.Load(ctx)
	require.NoError(t, err)
	b.SSID = "changed"

	again, _ := m.Load(ctx)
	assert.Equal(t, "HomeNet", again.SSID, "stored value is a copy")

	require.NoError(t, m.Clear(ctx))
	b, err = m.Load(ctx)
	assert.NoError(t, err)
	assert.Nil(t, b)

	m.Err = errors.New("disk full")
	assert.ErrorIs(t, m.Save(ctx, sample()), m.Err)
}
