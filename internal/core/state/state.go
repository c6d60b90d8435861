package state

import (
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"
)

// Kind identifies a device family inside a Snapshot.
type Kind string

const (
	KindFeeder        Kind = "feeder"
	KindLitterBox     Kind = "litter_box"
	KindWaterFountain Kind = "water_fountain"
)

// Feeder is the per-cycle record of an automatic feeder.
type Feeder struct {
	ID           int64            `json:"id"`
	DeviceAttrs  map[string]any   `json:"device_attrs"`
	DeviceDetail map[string]any   `json:"device_detail"`
	EventRecord  []map[string]any `json:"event_record"`
	WifiInfo     map[string]any   `json:"wifi_info"`
	Type         string           `json:"type"`
}

// LitterBox is the per-cycle record of a self-cleaning litter box.
type LitterBox struct {
	ID           int64            `json:"id"`
	DeviceAttrs  map[string]any   `json:"device_attrs"`
	DeviceDetail map[string]any   `json:"device_detail"`
	EventRecord  []map[string]any `json:"event_record"`
	WifiInfo     map[string]any   `json:"wifi_info"`
	Type         string           `json:"type"`
}

// WaterFountain is the per-cycle record of a water fountain.
type WaterFountain struct {
	ID           int64            `json:"id"`
	DeviceAttrs  map[string]any   `json:"device_attrs"`
	DeviceDetail map[string]any   `json:"device_detail"`
	EventRecord  []map[string]any `json:"event_record"`
	WifiInfo     map[string]any   `json:"wifi_info"`
	CatData      map[string]any   `json:"cat_data"`
	DeviceType   string           `json:"device_type"`
}

// Snapshot is the aggregated state of every device for one poll cycle.
// A published Snapshot is shared between readers and must not be mutated.
type Snapshot struct {
	UID            string                   `json:"uid"`
	Feeders        map[int64]*Feeder        `json:"feeders"`
	LitterBoxes    map[int64]*LitterBox     `json:"litter_boxes"`
	WaterFountains map[int64]*WaterFountain `json:"water_fountains"`
	Pets           map[int64]any            `json:"pets"`
	FetchedAt      time.Time                `json:"fetched_at"`
}

// NewSnapshot returns an empty snapshot for uid.
func NewSnapshot(uid string) *Snapshot {
	return &Snapshot{
		UID:            uid,
		Feeders:        make(map[int64]*Feeder),
		LitterBoxes:    make(map[int64]*LitterBox),
		WaterFountains: make(map[int64]*WaterFountain),
	}
}

// Len returns the number of devices in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Feeders) + len(s.LitterBoxes) + len(s.WaterFountains)
}

// Device is a family-independent view of one record, used by the bridges.
type Device struct {
	ID       int64            `json:"id"`
	Kind     Kind             `json:"kind"`
	Type     string           `json:"type"`
	Attrs    map[string]any   `json:"device_attrs"`
	Detail   map[string]any   `json:"device_detail"`
	Events   []map[string]any `json:"event_record"`
	WifiInfo map[string]any   `json:"wifi_info"`
	CatData  map[string]any   `json:"cat_data,omitempty"`
}

// Name returns the user-facing device name, falling back to the id.
func (d Device) Name() string {
	if n, ok := d.Detail["deviceName"].(string); ok && n != "" {
		return n
	}
	if n, ok := d.Attrs["deviceName"].(string); ok && n != "" {
		return n
	}
	return fmt.Sprintf("%s %d", d.Kind, d.ID)
}

// Device looks up a device by id across all families.
func (s *Snapshot) Device(id int64) (Device, bool) {
	if s == nil {
		return Device{}, false
	}
	if f, ok := s.Feeders[id]; ok {
		return Device{ID: f.ID, Kind: KindFeeder, Type: f.Type, Attrs: f.DeviceAttrs, Detail: f.DeviceDetail, Events: f.EventRecord, WifiInfo: f.WifiInfo}, true
	}
	if l, ok := s.LitterBoxes[id]; ok {
		return Device{ID: l.ID, Kind: KindLitterBox, Type: l.Type, Attrs: l.DeviceAttrs, Detail: l.DeviceDetail, Events: l.EventRecord, WifiInfo: l.WifiInfo}, true
	}
	if w, ok := s.WaterFountains[id]; ok {
		return Device{ID: w.ID, Kind: KindWaterFountain, Type: w.DeviceType, Attrs: w.DeviceAttrs, Detail: w.DeviceDetail, Events: w.EventRecord, WifiInfo: w.WifiInfo, CatData: w.CatData}, true
	}
	return Device{}, false
}

// Devices returns every device ordered by id.
func (s *Snapshot) Devices() []Device {
	if s == nil {
		return nil
	}
	ids := make([]int64, 0, s.Len())
	for id := range s.Feeders {
		ids = append(ids, id)
	}
	for id := range s.LitterBoxes {
		ids = append(ids, id)
	}
	for id := range s.WaterFountains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.Device(id); ok {
			out = append(out, d)
		}
	}
	return out
}

// withDetail returns a shallow copy of s where device id has its detail
// replaced by detail. Other records are shared with s.
func (s *Snapshot) withDetail(id int64, detail map[string]any) *Snapshot {
	cp := *s
	switch {
	case s.Feeders[id] != nil:
		cp.Feeders = maps.Clone(s.Feeders)
		rec := *s.Feeders[id]
		rec.DeviceDetail = detail
		cp.Feeders[id] = &rec
	case s.LitterBoxes[id] != nil:
		cp.LitterBoxes = maps.Clone(s.LitterBoxes)
		rec := *s.LitterBoxes[id]
		rec.DeviceDetail = detail
		cp.LitterBoxes[id] = &rec
	case s.WaterFountains[id] != nil:
		cp.WaterFountains = maps.Clone(s.WaterFountains)
		rec := *s.WaterFountains[id]
		rec.DeviceDetail = detail
		cp.WaterFountains[id] = &rec
	}
	return &cp
}

// EventType identifies event categories.
type EventType string

const (
	EventSnapshot      EventType = "snapshot"
	EventPatch         EventType = "patch"
	EventAuthFailed    EventType = "auth_failed"
	EventRefreshFailed EventType = "refresh_failed"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// PatchData is the payload of EventPatch.
type PatchData struct {
	DeviceID int64          `json:"device_id"`
	Fields   map[string]any `json:"fields"`
}

// StateReader provides read-only access to state.
type StateReader interface {
	Snapshot() *Snapshot
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers without blocking.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
// The channel is closed by unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// --- Store ---

// patchedField is one optimistically written detail value and the patch
// sequence that wrote it.
type patchedField struct {
	seq   uint64
	value any
}

// Store holds the published snapshot plus optimistic patches layered on top
// of it. Patches never touch the published snapshot; readers get a
// copy-on-write view.
type Store struct {
	mu       sync.RWMutex
	base     *Snapshot
	overlays map[int64]map[string]patchedField
	view     *Snapshot
	seq      uint64
	bus      *EventBus
	log      *slog.Logger
}

// NewStore creates a new store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	return &Store{bus: bus, log: log, overlays: map[int64]map[string]patchedField{}}
}

// Snapshot returns the current view, or nil before the first publish.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Device returns one device from the current view.
func (s *Store) Device(id int64) (Device, bool) {
	return s.Snapshot().Device(id)
}

// Mark returns the current patch sequence. Pass it to Publish so patches
// made while the snapshot was being fetched survive the publish.
func (s *Store) Mark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Publish replaces the published snapshot wholesale. Patched fields with a
// sequence at or below since are dropped; later ones are re-applied.
func (s *Store) Publish(snap *Snapshot, since uint64) {
	s.mu.Lock()
	pending := 0
	for id, fields := range s.overlays {
		for k, f := range fields {
			if f.seq <= since {
				delete(fields, k)
			}
		}
		if len(fields) == 0 {
			delete(s.overlays, id)
			continue
		}
		pending += len(fields)
	}
	s.base = snap
	s.rebuild()
	view := s.view
	s.mu.Unlock()

	s.log.Debug("snapshot published", "devices", view.Len(), "pending_fields", pending)
	s.bus.Publish(Event{Type: EventSnapshot, Data: view})
}

// Patch records an optimistic update of a device's detail fields. Patches
// are merged per device and field, so the pending set never grows past the
// fields of the published devices. It returns false when no published
// snapshot contains the device.
func (s *Store) Patch(deviceID int64, fields map[string]any) bool {
	if len(fields) == 0 {
		return false
	}

	s.mu.Lock()
	if _, ok := s.base.Device(deviceID); !ok {
		s.mu.Unlock()
		return false
	}
	s.seq++
	pending, ok := s.overlays[deviceID]
	if !ok {
		pending = map[string]patchedField{}
		s.overlays[deviceID] = pending
	}
	for k, v := range fields {
		pending[k] = patchedField{seq: s.seq, value: v}
	}
	s.rebuild()
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventPatch, Data: PatchData{DeviceID: deviceID, Fields: maps.Clone(fields)}})
	return true
}

// rebuild recomputes the view from base and overlays. Caller holds mu.
func (s *Store) rebuild() {
	if s.base == nil {
		s.view = nil
		return
	}
	view := s.base
	for id, fields := range s.overlays {
		dev, found := s.base.Device(id)
		if !found {
			continue
		}
		d := maps.Clone(dev.Detail)
		if d == nil {
			d = map[string]any{}
		}
		for k, f := range fields {
			d[k] = f.value
		}
		view = view.withDetail(id, d)
	}
	s.view = view
}
