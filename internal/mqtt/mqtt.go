// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for every Catlink device, relays commands to the
// coordinator, and forwards snapshot updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/devices"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/state"
)

const commandTimeout = 10 * time.Second

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("mqtt publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Commander executes named device commands. *coordinator.Coordinator
// implements it.
type Commander interface {
	ExecuteNamed(ctx context.Context, deviceID int64, name string, args devices.Args) (devices.Command, error)
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// command topics and relays commands to the coordinator, and forwards state
// updates from the EventBus.
type HAPublisher struct {
	cfg   Config
	cmd   Commander
	store state.StateReader
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	mu         sync.Mutex
	discovered map[int64]struct{}

	unsub    func()
	stopC    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, cmd Commander, store state.StateReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "catlink"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	return &HAPublisher{
		cfg:        cfg,
		cmd:        cmd,
		store:      store,
		bus:        bus,
		log:        log,
		discovered: map[int64]struct{}{},
		stopC:      make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker and starts listening on the EventBus.
// Discovery, command subscriptions and the initial state are published
// from the connect handler so they are repeated after every reconnect.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.availabilityTopic()

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID("catlink-" + uuid.NewString()[:8]).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("mqtt connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("mqtt connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("mqtt publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.stopOnce.Do(func() {
		p.log.Info("mqtt publisher stopping")

		close(p.stopC)
		if p.unsub != nil {
			p.unsub()
		}
		p.wg.Wait()

		if p.client != nil && p.client.IsConnected() {
			p.publish(p.availabilityTopic(), "offline", true)
			p.client.Disconnect(1000)
		}
		p.log.Info("mqtt publisher stopped")
	})
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	p.publish(p.availabilityTopic(), "online", true)

	p.mu.Lock()
	clear(p.discovered)
	p.mu.Unlock()

	p.subscribeCommands()

	p.client.Subscribe(p.cfg.DiscoveryPrefix+"/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("home assistant came online, re-publishing discovery")
			p.mu.Lock()
			clear(p.discovered)
			p.mu.Unlock()
			p.publishSnapshot(p.store.Snapshot())
		}
	})

	p.publishSnapshot(p.store.Snapshot())
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

func nodeID(id int64) string {
	return "catlink_" + strconv.FormatInt(id, 10)
}

// discoveryTopic builds the HA auto-discovery topic.
func (p *HAPublisher) discoveryTopic(component string, deviceID int64, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", p.cfg.DiscoveryPrefix, component, nodeID(deviceID), objectID)
}

// deviceInfo returns the HA device block for dev.
func deviceInfo(dev state.Device) map[string]any {
	info := map[string]any{
		"identifiers":  []string{nodeID(dev.ID)},
		"name":         dev.Name(),
		"manufacturer": "CATLINK",
		"model":        dev.Type,
	}
	if fw, ok := dev.Detail["firmwareVersion"]; ok && fw != nil {
		info["sw_version"] = fmt.Sprint(fw)
	}
	return info
}

// DiscoveryPayload builds the discovery config for one entity of dev.
func (p *HAPublisher) DiscoveryPayload(dev state.Device, e Entity) map[string]any {
	payload := map[string]any{
		"name":      e.Name,
		"unique_id": fmt.Sprintf("%s_%s", nodeID(dev.ID), e.ObjectID),
		"device":    deviceInfo(dev),
	}
	payload["availability"] = []map[string]any{{"topic": p.availabilityTopic()}}
	if e.Component != ComponentButton {
		payload["state_topic"] = p.stateTopic(dev.ID)
		payload["value_template"] = fmt.Sprintf("{{ value_json.%s | default(None) }}", e.ObjectID)
	}
	if e.Command != "" {
		payload["command_topic"] = p.commandTopic(dev.ID, e.ObjectID)
	}
	if e.Icon != "" {
		payload["icon"] = e.Icon
	}
	if e.Unit != "" {
		payload["unit_of_measurement"] = e.Unit
	}
	if e.DeviceClass != "" {
		payload["device_class"] = e.DeviceClass
	}
	if e.StateClass != "" {
		payload["state_class"] = e.StateClass
	}
	if e.Diagnostic {
		payload["entity_category"] = "diagnostic"
	}

	switch e.Component {
	case ComponentSwitch:
		payload["payload_on"] = payloadOn
		payload["payload_off"] = payloadOff
		payload["state_on"] = payloadOn
		payload["state_off"] = payloadOff
	case ComponentBinarySensor:
		payload["payload_on"] = payloadOn
		payload["payload_off"] = payloadOff
	case ComponentSelect:
		payload["options"] = e.Options
	case ComponentButton:
		payload["payload_press"] = payloadPress
	case ComponentText:
		if e.Command == devices.CmdNightModeStart || e.Command == devices.CmdNightModeEnd {
			payload["pattern"] = timePattern
		}
	}
	return payload
}

func (p *HAPublisher) publishDiscovery(dev state.Device) {
	for _, e := range Entities(dev) {
		data, err := json.Marshal(p.DiscoveryPayload(dev, e))
		if err != nil {
			p.log.Error("failed to marshal discovery config", "device_id", dev.ID, "object_id", e.ObjectID, "error", err)
			continue
		}
		p.publish(p.discoveryTopic(e.Component, dev.ID, e.ObjectID), string(data), true)
	}
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	t := p.cfg.TopicPrefix + "/+/+/set"
	token := p.client.Subscribe(t, 1, p.handleCommandMsg)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
	}
}

func (p *HAPublisher) handleCommandMsg(_ pahomqtt.Client, msg pahomqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	err := p.HandleCommand(ctx, msg.Topic(), string(msg.Payload()))
	switch {
	case err == nil:
	case isCommandError(err):
		p.log.Warn("mqtt command ignored", "topic", msg.Topic(), "error", err)
	default:
		p.log.Error("mqtt command failed", "topic", msg.Topic(), "error", err)
	}
}

// ParseCommandTopic splits <prefix>/<device id>/<object id>/set.
func (p *HAPublisher) ParseCommandTopic(topic string) (int64, string, error) {
	rest, ok := strings.CutPrefix(topic, p.cfg.TopicPrefix+"/")
	if !ok {
		return 0, "", fmt.Errorf("mqtt: topic %q outside prefix", topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[1] == "" {
		return 0, "", fmt.Errorf("mqtt: malformed command topic %q", topic)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("mqtt: device id in %q: %w", topic, err)
	}
	return id, parts[1], nil
}

// HandleCommand resolves a command topic against the current snapshot and
// executes it through the coordinator.
func (p *HAPublisher) HandleCommand(ctx context.Context, topic, payload string) error {
	id, objectID, err := p.ParseCommandTopic(topic)
	if err != nil {
		return err
	}
	dev, ok := p.store.Snapshot().Device(id)
	if !ok {
		return fmt.Errorf("mqtt: device %d not in snapshot", id)
	}
	e, ok := FindEntity(dev, objectID)
	if !ok || e.Command == "" {
		return fmt.Errorf("%w: %s on %s", devices.ErrUnknownCommand, objectID, dev.Kind)
	}
	args, err := CommandArgs(e, payload)
	if err != nil {
		return err
	}

	p.log.Info("mqtt command", "device_id", id, "command", e.Command, "payload", payload)
	_, err = p.cmd.ExecuteNamed(ctx, id, e.Command, args)
	return err
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishSnapshot publishes discovery for devices not seen since the last
// (re)connect and the state of every device.
func (p *HAPublisher) publishSnapshot(snap *state.Snapshot) {
	for _, dev := range snap.Devices() {
		p.mu.Lock()
		_, seen := p.discovered[dev.ID]
		p.discovered[dev.ID] = struct{}{}
		p.mu.Unlock()
		if !seen {
			p.publishDiscovery(dev)
		}
		p.publishDeviceState(dev)
	}
}

func (p *HAPublisher) publishDeviceState(dev state.Device) {
	data, err := json.Marshal(DeviceState(dev))
	if err != nil {
		p.log.Error("failed to marshal device state", "device_id", dev.ID, "error", err)
		return
	}
	p.publish(p.stateTopic(dev.ID), string(data), true)
}

func (p *HAPublisher) publishBridgeEvent(evt state.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Error("failed to marshal bridge event", "event_type", evt.Type, "error", err)
		return
	}
	p.publish(p.cfg.TopicPrefix+"/bridge/event", string(data), false)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventSnapshot:
		snap, ok := evt.Data.(*state.Snapshot)
		if !ok {
			p.log.Warn("unexpected data type for snapshot event")
			return
		}
		p.publishSnapshot(snap)

	case state.EventPatch:
		patch, ok := evt.Data.(state.PatchData)
		if !ok {
			p.log.Warn("unexpected data type for patch event")
			return
		}
		dev, ok := p.store.Snapshot().Device(patch.DeviceID)
		if !ok {
			return
		}
		p.publishDeviceState(dev)

	case state.EventAuthFailed, state.EventRefreshFailed:
		p.publishBridgeEvent(evt)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (p *HAPublisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *HAPublisher) stateTopic(id int64) string {
	return fmt.Sprintf("%s/%d/state", p.cfg.TopicPrefix, id)
}

func (p *HAPublisher) commandTopic(id int64, objectID string) string {
	return fmt.Sprintf("%s/%d/%s/set", p.cfg.TopicPrefix, id, objectID)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

// isCommandError reports whether err came from a bad payload or topic
// rather than from the server.
func isCommandError(err error) bool {
	return errors.Is(err, devices.ErrUnknownCommand) || errors.Is(err, devices.ErrInvalidArgument)
}
