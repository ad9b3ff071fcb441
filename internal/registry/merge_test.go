package registry_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/pending"
	"github.com/cautelapp/carelink/internal/registry"
	"github.com/cautelapp/carelink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func bound(adultID int, id device.PhysicalDeviceID, name string) backend.BoundDevice {
	return backend.BoundDevice{AdultID: adultID, PhysicalDeviceID: id, AdultName: name, Battery: 80}
}

func shared(adultID int, id device.PhysicalDeviceID, name string, by int) backend.BoundDevice {
	d := bound(adultID, id, name)
	d.Shared = true
	d.SharedByUserID = by
	return d
}

func ids(devices []registry.UnifiedDevice) []device.PhysicalDeviceID {
	out := make([]device.PhysicalDeviceID, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.PhysicalDeviceID)
	}
	return out
}

func TestMergeNeverDuplicatesPhysicalIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pool := []device.PhysicalDeviceID{"CA-1", "CA-2", "CA-3", "CA-4", "CA-5"}
	pick := func() device.PhysicalDeviceID { return pool[rng.Intn(len(pool))] }

	for round := 0; round < 500; round++ {
		in := registry.Inputs{
			Visible: map[device.PhysicalDeviceID]device.Peripheral{},
			Online:  map[device.PhysicalDeviceID]bool{},
			Now:     now,
		}
		for i := 0; i < rng.Intn(6); i++ {
			in.Owned = append(in.Owned, bound(i+1, pick(), "owned"))
		}
		for i := 0; i < rng.Intn(6); i++ {
			in.Shared = append(in.Shared, shared(100+i, pick(), "shared", 9))
		}
		for i := 0; i < rng.Intn(6); i++ {
			in.Visible[pick()] = device.Peripheral{ID: device.PeripheralID(fmt.Sprintf("p-%d", i)), RSSI: -50}
		}
		for i := 0; i < rng.Intn(6); i++ {
			in.Online[pick()] = rng.Intn(2) == 0
		}
		if rng.Intn(2) == 0 {
			in.Pending = &pending.Binding{PhysicalDeviceID: pick(), SSID: "net"}
		}

		seen := map[device.PhysicalDeviceID]bool{}
		for _, d := range registry.Merge(in) {
			require.False(t, seen[d.PhysicalDeviceID], "round %d: duplicate %s", round, d.PhysicalDeviceID)
			seen[d.PhysicalDeviceID] = true
		}
	}
}

func TestMerge(t *testing.T) {
	t.Run("ownership wins over sharing", func(t *testing.T) {
		out := registry.Merge(registry.Inputs{
			Owned:  []backend.BoundDevice{bound(1, "CA-1", "Rosa")},
			Shared: []backend.BoundDevice{shared(2, "CA-1", "Rosa (shared)", 9), shared(3, "CA-2", "Luis", 9)},
			Now:    now,
		})
		require.Len(t, out, 2)
		assert.Equal(t, registry.SourceOwned, out[0].Source)
		assert.Equal(t, "Rosa", out[0].AdultName)
		assert.Equal(t, registry.SourceShared, out[1].Source)
		assert.Equal(t, 9, out[1].SharedByUserID)
	})

	t.Run("BLE presence marks a bound device connected", func(t *testing.T) {
		owned := bound(1, "CA-1", "Rosa")
		owned.OnlineViaWifi = false
		out := registry.Merge(registry.Inputs{
			Owned:    []backend.BoundDevice{owned},
			Visible:  map[device.PhysicalDeviceID]device.Peripheral{"CA-1": {ID: "aa:bb", RSSI: -45}},
			Online:   map[device.PhysicalDeviceID]bool{"CA-1": false},
			LastSeen: map[device.PhysicalDeviceID]time.Time{"CA-1": now.Add(-3 * time.Hour)},
			Now:      now,
		})
		require.Len(t, out, 1)
		assert.True(t, out[0].Connected)
		assert.True(t, out[0].NearbyViaBLE)
		assert.Equal(t, registry.ActivityNow, out[0].Activity)
		assert.Equal(t, device.PeripheralID("aa:bb"), out[0].PeripheralID)
	})

	t.Run("WiFi online marks a bound device connected", func(t *testing.T) {
		out := registry.Merge(registry.Inputs{
			Owned:  []backend.BoundDevice{bound(1, "CA-1", "Rosa")},
			Online: map[device.PhysicalDeviceID]bool{"CA-1": true},
			Now:    now,
		})
		assert.True(t, out[0].Connected)
		assert.True(t, out[0].OnlineViaWifi)
		assert.False(t, out[0].NearbyViaBLE)
	})

	t.Run("offline device shows last activity", func(t *testing.T) {
		out := registry.Merge(registry.Inputs{
			Owned:    []backend.BoundDevice{bound(1, "CA-1", "Rosa"), bound(2, "CA-2", "Luis")},
			LastSeen: map[device.PhysicalDeviceID]time.Time{"CA-1": now.Add(-90 * time.Minute)},
			Now:      now,
		})
		assert.False(t, out[0].Connected)
		assert.Equal(t, "1h ago", out[0].Activity)
		assert.Equal(t, registry.ActivityUnknown, out[1].Activity)
	})

	t.Run("pending device appears once unless bound", func(t *testing.T) {
		out := registry.Merge(registry.Inputs{
			Owned:   []backend.BoundDevice{bound(1, "CA-1", "Rosa")},
			Pending: &pending.Binding{PhysicalDeviceID: "CA-7", SSID: "HomeNet"},
			Visible: map[device.PhysicalDeviceID]device.Peripheral{"CA-7": {ID: "cc:dd", RSSI: -60}},
			Now:     now,
		})
		assert.Equal(t, []device.PhysicalDeviceID{"CA-1", "CA-7"}, ids(out))
		assert.Equal(t, registry.SourcePending, out[1].Source)
		assert.True(t, out[1].Connected)

		out = registry.Merge(registry.Inputs{
			Owned:   []backend.BoundDevice{bound(1, "CA-7", "Rosa")},
			Pending: &pending.Binding{PhysicalDeviceID: "CA-7"},
			Now:     now,
		})
		require.Len(t, out, 1)
		assert.Equal(t, registry.SourceOwned, out[0].Source)
	})

	t.Run("deterministic order", func(t *testing.T) {
		in := registry.Inputs{
			Owned:   []backend.BoundDevice{bound(2, "CA-9", "B"), bound(1, "CA-3", "A")},
			Shared:  []backend.BoundDevice{shared(5, "CA-5", "S", 4)},
			Pending: &pending.Binding{PhysicalDeviceID: "CA-6"},
			Visible: map[device.PhysicalDeviceID]device.Peripheral{
				"CA-8": {ID: "p8"}, "CA-2": {ID: "p2"}, "CA-3": {ID: "p3"},
			},
			Now: now,
		}
		want := []device.PhysicalDeviceID{"CA-9", "CA-3", "CA-5", "CA-6", "CA-2", "CA-8"}
		for i := 0; i < 20; i++ {
			assert.Equal(t, want, ids(registry.Merge(in)))
		}
	})

	t.Run("snapshot", func(t *testing.T) {
		out := registry.Merge(registry.Inputs{
			Owned:   []backend.BoundDevice{bound(101, "CA-1", "Rosa Pérez")},
			Shared:  []backend.BoundDevice{shared(202, "CA-2", "Luis Soto", 9)},
			Pending: &pending.Binding{PhysicalDeviceID: "CA-3", SSID: "HomeNet", PeripheralID: "aa:bb:cc:dd:ee:ff"},
			Online:  map[device.PhysicalDeviceID]bool{"CA-2": true},
			Now:     now,
		})
		testutils.NewJSONAsserter(t).WithOptions(testutils.WithIgnoreExtraKeys(false)).AssertValue(out, `[
			{"physical_device_id": "CA-1", "source": "owned", "adult_id": 101, "adult_name": "Rosa Pérez", "battery": 80,
			 "connected": false, "online_via_wifi": false, "nearby_via_ble": false, "activity": "unknown"},
			{"physical_device_id": "CA-2", "source": "shared", "adult_id": 202, "adult_name": "Luis Soto", "battery": 80,
			 "shared_by_user_id": 9, "connected": true, "online_via_wifi": true, "nearby_via_ble": false, "activity": "now"},
			{"physical_device_id": "CA-3", "source": "pending", "ssid": "HomeNet", "peripheral_id": "aa:bb:cc:dd:ee:ff",
			 "connected": false, "online_via_wifi": false, "nearby_via_ble": false, "activity": "unknown"}
		]`)
	})
}

func TestActivityLabel(t *testing.T) {
	cases := map[time.Duration]string{
		10 * time.Second: registry.ActivityNow,
		5 * time.Minute:  "5m ago",
		2 * time.Hour:    "2h ago",
		50 * time.Hour:   "2d ago",
	}
	for ago, want := range cases {
		assert.Equal(t, want, registry.ActivityLabel(now.Add(-ago), now), ago.String())
	}
	assert.Equal(t, registry.ActivityUnknown, registry.ActivityLabel(time.Time{}, now))
}
