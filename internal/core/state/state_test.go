package state

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSnapshot() *Snapshot {
	s := NewSnapshot("13800000000")
	s.Feeders[1] = &Feeder{ID: 1, Type: "FEEDER", DeviceDetail: map[string]any{"keyLockStatus": false, "deviceName": "Kitchen"}}
	s.LitterBoxes[2] = &LitterBox{ID: 2, Type: "SCOOPER", DeviceDetail: map[string]any{"workStatus": "00"}}
	s.WaterFountains[3] = &WaterFountain{ID: 3, DeviceType: "PURE3", DeviceDetail: map[string]any{"pureLightStatus": "CLOSE"}}
	return s
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(4)

	bus.Publish(Event{Type: EventAuthFailed})
	evt := <-ch
	assert.Equal(t, EventAuthFailed, evt.Type)
	assert.False(t, evt.Timestamp.IsZero())

	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok, "channel is closed after unsubscribe")

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: EventSnapshot})
}

func TestEventBus_FullBufferDrops(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventSnapshot})
	bus.Publish(Event{Type: EventPatch})

	assert.Equal(t, EventSnapshot, (<-ch).Type)
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %s", evt.Type)
	default:
	}
}

func TestStore_PublishReplacesWholesale(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	st := NewStore(bus, testLogger())
	assert.Nil(t, st.Snapshot())

	first := sampleSnapshot()
	st.Publish(first, st.Mark())
	assert.Same(t, first, st.Snapshot())

	second := NewSnapshot("13800000000")
	st.Publish(second, st.Mark())
	assert.Same(t, second, st.Snapshot())
	assert.Equal(t, 0, st.Snapshot().Len())

	assert.Equal(t, EventSnapshot, (<-ch).Type)
	assert.Equal(t, EventSnapshot, (<-ch).Type)
}

func TestStore_PatchIsCopyOnWrite(t *testing.T) {
	st := NewStore(NewEventBus(testLogger()), testLogger())
	base := sampleSnapshot()
	st.Publish(base, st.Mark())

	ok := st.Patch(1, map[string]any{"keyLockStatus": true})
	require.True(t, ok)

	view := st.Snapshot()
	assert.Equal(t, true, view.Feeders[1].DeviceDetail["keyLockStatus"])
	assert.Equal(t, "Kitchen", view.Feeders[1].DeviceDetail["deviceName"], "unpatched fields are kept")
	assert.Equal(t, false, base.Feeders[1].DeviceDetail["keyLockStatus"], "published snapshot is untouched")
	assert.Same(t, base.LitterBoxes[2], view.LitterBoxes[2], "other records are shared")
}

func TestStore_PatchUnknownDevice(t *testing.T) {
	st := NewStore(NewEventBus(testLogger()), testLogger())
	assert.False(t, st.Patch(1, map[string]any{"a": 1}), "no snapshot yet")

	st.Publish(sampleSnapshot(), st.Mark())
	assert.False(t, st.Patch(99, map[string]any{"a": 1}))
	assert.False(t, st.Patch(1, nil))
}

func TestStore_PublishDropsOverlaysFromBeforeTheCycle(t *testing.T) {
	st := NewStore(NewEventBus(testLogger()), testLogger())
	st.Publish(sampleSnapshot(), st.Mark())

	require.True(t, st.Patch(3, map[string]any{"pureLightStatus": "OPEN"}))
	mark := st.Mark()

	fresh := sampleSnapshot()
	fresh.WaterFountains[3].DeviceDetail["pureLightStatus"] = "OPEN"
	st.Publish(fresh, mark)

	assert.Same(t, fresh, st.Snapshot(), "server state wins and no overlay remains")
}

func TestStore_PatchDuringFetchSurvivesPublish(t *testing.T) {
	st := NewStore(NewEventBus(testLogger()), testLogger())
	st.Publish(sampleSnapshot(), st.Mark())

	mark := st.Mark()
	// a command lands while the cycle is fetching
	require.True(t, st.Patch(2, map[string]any{"workStatus": "01"}))

	stale := sampleSnapshot()
	st.Publish(stale, mark)
	assert.Equal(t, "01", st.Snapshot().LitterBoxes[2].DeviceDetail["workStatus"])
	assert.Equal(t, "00", stale.LitterBoxes[2].DeviceDetail["workStatus"])

	// the next cycle started after the patch drops it
	st.Publish(sampleSnapshot(), st.Mark())
	assert.Equal(t, "00", st.Snapshot().LitterBoxes[2].DeviceDetail["workStatus"])
}

func TestStore_OverlaysStack(t *testing.T) {
	st := NewStore(NewEventBus(testLogger()), testLogger())
	st.Publish(sampleSnapshot(), st.Mark())

	st.Patch(3, map[string]any{"nightModeFlag": true, "nightModeStartTime": "22:00"})
	st.Patch(3, map[string]any{"nightModeStartTime": "23:00"})

	d, ok := st.Device(3)
	require.True(t, ok)
	assert.Equal(t, true, d.Detail["nightModeFlag"])
	assert.Equal(t, "23:00", d.Detail["nightModeStartTime"])
	assert.Equal(t, KindWaterFountain, d.Kind)
	assert.Equal(t, "PURE3", d.Type)
}

func TestStore_PatchesWithoutPublishStayBounded(t *testing.T) {
	st := NewStore(NewEventBus(testLogger()), testLogger())
	st.Publish(sampleSnapshot(), st.Mark())

	// refreshes keep failing, so nothing is published between commands
	for i := 0; i < 100; i++ {
		require.True(t, st.Patch(3, map[string]any{"pureLightStatus": fmt.Sprint(i)}))
		require.True(t, st.Patch(1, map[string]any{"keyLockStatus": i%2 == 0}))
	}

	st.mu.RLock()
	assert.Len(t, st.overlays, 2)
	assert.Len(t, st.overlays[3], 1)
	st.mu.RUnlock()

	d, ok := st.Device(3)
	require.True(t, ok)
	assert.Equal(t, "99", d.Detail["pureLightStatus"])
}

func TestStore_PublishDropsOnlyOlderFields(t *testing.T) {
	st := NewStore(NewEventBus(testLogger()), testLogger())
	st.Publish(sampleSnapshot(), st.Mark())

	st.Patch(3, map[string]any{"pureLightStatus": "OPEN"})
	mark := st.Mark()
	st.Patch(3, map[string]any{"runMode": "INDUCTION_SPRING"})

	st.Publish(sampleSnapshot(), mark)
	d, ok := st.Device(3)
	require.True(t, ok)
	assert.NotEqual(t, "OPEN", d.Detail["pureLightStatus"], "patched before the cycle, server wins")
	assert.Equal(t, "INDUCTION_SPRING", d.Detail["runMode"], "patched during the cycle, kept")

	st.Publish(sampleSnapshot(), st.Mark())
	st.mu.RLock()
	assert.Empty(t, st.overlays)
	st.mu.RUnlock()
}

func TestStore_PatchEvent(t *testing.T) {
	bus := NewEventBus(testLogger())
	st := NewStore(bus, testLogger())
	st.Publish(sampleSnapshot(), st.Mark())

	ch, unsub := bus.Subscribe(4)
	defer unsub()
	st.Patch(1, map[string]any{"keyLockStatus": true})

	evt := <-ch
	require.Equal(t, EventPatch, evt.Type)
	data, ok := evt.Data.(PatchData)
	require.True(t, ok)
	assert.Equal(t, int64(1), data.DeviceID)
	assert.Equal(t, true, data.Fields["keyLockStatus"])
}

func TestSnapshot_DevicesOrdered(t *testing.T) {
	s := sampleSnapshot()
	devs := s.Devices()
	require.Len(t, devs, 3)
	assert.Equal(t, []Kind{KindFeeder, KindLitterBox, KindWaterFountain}, []Kind{devs[0].Kind, devs[1].Kind, devs[2].Kind})
	assert.Equal(t, "Kitchen", devs[0].Name())
	assert.Equal(t, "litter_box 2", devs[1].Name())

	var nilSnap *Snapshot
	assert.Nil(t, nilSnap.Devices())
	assert.Equal(t, 0, nilSnap.Len())
}

func TestSnapshot_JSONShape(t *testing.T) {
	s := sampleSnapshot()
	s.FetchedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, k := range []string{"uid", "feeders", "litter_boxes", "water_fountains", "pets"} {
		assert.Contains(t, m, k)
	}
	fountain := m["water_fountains"].(map[string]any)["3"].(map[string]any)
	assert.Equal(t, "PURE3", fountain["device_type"])
	assert.Contains(t, fountain, "cat_data")
}
