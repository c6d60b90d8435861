package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/devices"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/state"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/transport"
)

// Home Assistant components used by the bridge.
const (
	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"
	ComponentSwitch       = "switch"
	ComponentSelect       = "select"
	ComponentButton       = "button"
	ComponentText         = "text"
)

const (
	payloadOn    = "ON"
	payloadOff   = "OFF"
	payloadPress = "PRESS"

	timePattern = `^([01]\d|2[0-3]):[0-5]\d$`
)

// Entity describes one Home Assistant entity exposed for a device. ObjectID
// doubles as the key of the entity's value in the device state payload.
type Entity struct {
	Component   string
	ObjectID    string
	Name        string
	Command     string
	Options     []string
	Unit        string
	DeviceClass string
	StateClass  string
	Icon        string
	Diagnostic  bool

	value func(state.Device) any
}

// Value extracts the entity's current value from dev. Switches and binary
// sensors yield ON/OFF; buttons yield nil.
func (e Entity) Value(dev state.Device) any {
	if e.value == nil {
		return nil
	}
	return e.value(dev)
}

func detail(key string) func(state.Device) any {
	return func(d state.Device) any { return d.Detail[key] }
}

func wifi(key string) func(state.Device) any {
	return func(d state.Device) any { return d.WifiInfo[key] }
}

func cat(key string) func(state.Device) any {
	return func(d state.Device) any { return d.CatData[key] }
}

func onOff(pred func(state.Device) bool) func(state.Device) any {
	return func(d state.Device) any {
		if pred(d) {
			return payloadOn
		}
		return payloadOff
	}
}

func flag(key string) func(state.Device) bool {
	return func(d state.Device) bool { return transport.Truthy(d.Detail[key]) }
}

func equals(key string, want string) func(state.Device) bool {
	return func(d state.Device) bool { return fmt.Sprint(d.Detail[key]) == want }
}

func lastEvent(match func(map[string]any) bool, fields ...string) func(state.Device) any {
	return func(d state.Device) any {
		r, ok := state.LatestEvent(d.Events, match)
		if !ok {
			return nil
		}
		return state.Summary(r, fields...)
	}
}

func errorMessage(d state.Device) any {
	msg, _ := d.Detail["currentErrorMessage"].(string)
	if msg == "" {
		return nil
	}
	if typ, _ := d.Detail["currentErrorType"].(string); typ != "" {
		return typ + ": " + msg
	}
	return msg
}

func commonEntities() []Entity {
	return []Entity{
		{Component: ComponentBinarySensor, ObjectID: "online", Name: "Online", DeviceClass: "connectivity", Diagnostic: true,
			value: onOff(flag("online"))},
		{Component: ComponentSensor, ObjectID: "wifi_status", Name: "Wi-Fi Status", Icon: "mdi:wifi", Diagnostic: true,
			value: wifi("wifiStatus")},
		{Component: ComponentSensor, ObjectID: "wifi_signal", Name: "Wi-Fi Signal", Unit: "%", StateClass: "measurement", Icon: "mdi:wifi", Diagnostic: true,
			value: wifi("wifiSignalPercent")},
		{Component: ComponentSensor, ObjectID: "rssi", Name: "RSSI", Unit: "dBm", DeviceClass: "signal_strength", StateClass: "measurement", Diagnostic: true,
			value: wifi("rssi")},
	}
}

func feederEntities() []Entity {
	return []Entity{
		{Component: ComponentSensor, ObjectID: "weight", Name: "Food Weight", Unit: "g", DeviceClass: "weight", StateClass: "measurement",
			value: detail("weight")},
		{Component: ComponentSensor, ObjectID: "food_out_status", Name: "Food Out Status", Icon: "mdi:food-drumstick",
			value: detail("foodOutStatus")},
		{Component: ComponentSensor, ObjectID: "power_supply", Name: "Power Supply", Icon: "mdi:power-plug", Diagnostic: true,
			value: detail("powerSupplyStatus")},
		{Component: ComponentSensor, ObjectID: "error", Name: "Error", Icon: "mdi:alert-circle-outline", Diagnostic: true,
			value: errorMessage},
		{Component: ComponentSensor, ObjectID: "manual_out_count", Name: "Manual Feedings", StateClass: "total_increasing", Icon: "mdi:counter",
			value: detail("manualFoodOutNum")},
		{Component: ComponentSensor, ObjectID: "timing_out_count", Name: "Scheduled Feedings", StateClass: "total_increasing", Icon: "mdi:counter",
			value: detail("timingFoodOutNum")},
		{Component: ComponentSensor, ObjectID: "auto_out_count", Name: "Auto Feedings", StateClass: "total_increasing", Icon: "mdi:counter",
			value: detail("autoFoodOutNum")},
		{Component: ComponentSensor, ObjectID: "diet_out_count", Name: "Diet Feedings", StateClass: "total_increasing", Icon: "mdi:counter",
			value: detail("dietFoodOutNum")},
		{Component: ComponentSensor, ObjectID: "last_eat", Name: "Last Eat", Icon: "mdi:food-outline",
			value: lastEvent(state.OfType(state.RecordEat), "time", "firstSection", "secondSection")},
		{Component: ComponentSensor, ObjectID: "last_event", Name: "Last Event", Icon: "mdi:information-outline", Diagnostic: true,
			value: lastEvent(state.NotOfType(state.RecordEat), "time", "event", "firstSection", "secondSection")},
		{Component: ComponentSwitch, ObjectID: "auto_fill", Name: "Auto Fill", Command: devices.CmdAutoFill, Icon: "mdi:food",
			value: onOff(flag("newAutoFillStatus"))},
		{Component: ComponentSwitch, ObjectID: "key_lock", Name: "Key Lock", Command: devices.CmdKeyLock, Icon: "mdi:lock",
			value: onOff(flag("keyLockStatus"))},
		{Component: ComponentText, ObjectID: "indicator_light", Name: "Indicator Light", Command: devices.CmdIndicatorLight, Icon: "mdi:lightbulb",
			value: detail("indicatorLightStatus")},
		{Component: ComponentButton, ObjectID: "feed", Name: "Feed", Command: devices.CmdFeed, Icon: "mdi:food-drumstick-outline"},
	}
}

func litterBoxEntities() []Entity {
	return []Entity{
		{Component: ComponentSensor, ObjectID: "weight", Name: "Litter Weight", Unit: "kg", DeviceClass: "weight", StateClass: "measurement",
			value: detail("weight")},
		{Component: ComponentSensor, ObjectID: "work_status", Name: "Work Status", Icon: "mdi:robot-vacuum",
			value: detail("workStatus")},
		{Component: ComponentSensor, ObjectID: "current_message", Name: "Current Message", Icon: "mdi:message-outline",
			value: detail("currentMessage")},
		{Component: ComponentSensor, ObjectID: "induction_times", Name: "Induction Cleans", StateClass: "total_increasing", Icon: "mdi:counter",
			value: detail("inductionTimes")},
		{Component: ComponentSensor, ObjectID: "manual_times", Name: "Manual Cleans", StateClass: "total_increasing", Icon: "mdi:counter",
			value: detail("manualTimes")},
		{Component: ComponentSensor, ObjectID: "clear_times", Name: "Full Clears", StateClass: "total_increasing", Icon: "mdi:counter",
			value: detail("clearTimes")},
		{Component: ComponentSensor, ObjectID: "timer_times", Name: "Scheduled Cleans", StateClass: "total_increasing", Icon: "mdi:counter",
			value: detail("timerTimes")},
		{Component: ComponentSensor, ObjectID: "last_wc", Name: "Last Visit", Icon: "mdi:toilet",
			value: lastEvent(state.OfType(state.RecordWC), "time", "event", "firstSection", "secondSection")},
		{Component: ComponentSensor, ObjectID: "last_clean", Name: "Last Clean", Icon: "mdi:broom", Diagnostic: true,
			value: lastEvent(state.NotOfType(state.RecordWC), "time", "event", "firstSection", "secondSection")},
		{Component: ComponentSelect, ObjectID: "work_mode", Name: "Work Mode", Command: devices.CmdWorkMode, Icon: "mdi:cog",
			Options: []string{devices.WorkModeAuto, devices.WorkModeManual, devices.WorkModeScheduled},
			value:   detail("workModel")},
		{Component: ComponentButton, ObjectID: "start_clean", Name: "Start Cleaning", Command: devices.CmdStartClean, Icon: "mdi:play"},
		{Component: ComponentButton, ObjectID: "pause_clean", Name: "Pause Cleaning", Command: devices.CmdPauseClean, Icon: "mdi:pause"},
	}
}

func fountainEntities() []Entity {
	return []Entity{
		{Component: ComponentSensor, ObjectID: "status", Name: "Status", Icon: "mdi:information", Diagnostic: true,
			value: detail("subDesc")},
		{Component: ComponentSensor, ObjectID: "water_level", Name: "Water Level", Unit: "%", StateClass: "measurement", Icon: "mdi:water-pump",
			value: detail("waterLevelNum")},
		{Component: ComponentSensor, ObjectID: "water_level_desc", Name: "Water Level Description", Icon: "mdi:water-pump",
			value: detail("waterLevelStrDescription")},
		{Component: ComponentSensor, ObjectID: "filter_days", Name: "Filter Remaining", Unit: "d", StateClass: "measurement", Icon: "mdi:counter", Diagnostic: true,
			value: detail("filterElementTimeCountdown")},
		{Component: ComponentSensor, ObjectID: "last_drink", Name: "Last Drink", Icon: "mdi:cup-water",
			value: lastEvent(state.OfType(state.RecordDrink), "time", "event")},
		{Component: ComponentSensor, ObjectID: "last_event", Name: "Last Event", Icon: "mdi:information-box-outline", Diagnostic: true,
			value: lastEvent(state.NotOfType(state.RecordDrink), "time", "event")},
		{Component: ComponentSensor, ObjectID: "drink_duration", Name: "Drink Time Today", Unit: "s", DeviceClass: "duration", Icon: "mdi:cat",
			value: cat("duration")},
		{Component: ComponentSensor, ObjectID: "drink_count", Name: "Drinks Today", StateClass: "total", Icon: "mdi:cat",
			value: cat("intakesOrTimes")},
		{Component: ComponentBinarySensor, ObjectID: "night_mode_active", Name: "Night Mode Active", Icon: "mdi:weather-night",
			value: onOff(flag("onNightMode"))},
		{Component: ComponentSwitch, ObjectID: "key_lock", Name: "Child Lock", Command: devices.CmdKeyLock, Icon: "mdi:lock",
			value: onOff(equals("childLock", "0"))},
		{Component: ComponentSwitch, ObjectID: "light", Name: "Indicator Light", Command: devices.CmdLight, Icon: "mdi:lightbulb",
			value: onOff(equals("pureLightStatus", "OPEN"))},
		{Component: ComponentSwitch, ObjectID: "key_tone", Name: "Key Tone", Command: devices.CmdKeyTone, Icon: "mdi:volume-high",
			value: onOff(equals("keyTone", "1"))},
		{Component: ComponentSwitch, ObjectID: "night_mode", Name: "Night Mode", Command: devices.CmdNightMode, Icon: "mdi:weather-night",
			value: onOff(flag("nightModeFlag"))},
		{Component: ComponentText, ObjectID: "night_mode_start", Name: "Night Mode Start", Command: devices.CmdNightModeStart, Icon: "mdi:clock-start",
			value: detail("nightModeStartTime")},
		{Component: ComponentText, ObjectID: "night_mode_end", Name: "Night Mode End", Command: devices.CmdNightModeEnd, Icon: "mdi:clock-end",
			value: detail("nightModeEndTime")},
		{Component: ComponentSelect, ObjectID: "run_mode", Name: "Run Mode", Command: devices.CmdRunMode, Icon: "mdi:water-outline",
			Options: []string{devices.RunModeContinuous, devices.RunModeInduction, devices.RunModeIntermittent},
			value:   detail("runMode")},
		{Component: ComponentButton, ObjectID: "fluffy_hair", Name: "Fluffy Hair Mode", Command: devices.CmdFluffyHair, Icon: "mdi:cat"},
	}
}

// Entities lists the entities exposed for dev.
func Entities(dev state.Device) []Entity {
	var own []Entity
	switch dev.Kind {
	case state.KindFeeder:
		own = feederEntities()
	case state.KindLitterBox:
		own = litterBoxEntities()
	case state.KindWaterFountain:
		own = fountainEntities()
	default:
		return nil
	}
	return append(commonEntities(), own...)
}

// FindEntity looks up an entity of dev by object id.
func FindEntity(dev state.Device, objectID string) (Entity, bool) {
	for _, e := range Entities(dev) {
		if e.ObjectID == objectID {
			return e, true
		}
	}
	return Entity{}, false
}

// DeviceState builds the retained JSON state payload for dev. Entities
// without a value are omitted so Home Assistant shows them as unknown.
func DeviceState(dev state.Device) map[string]any {
	out := map[string]any{}
	for _, e := range Entities(dev) {
		v := e.Value(dev)
		if v == nil {
			continue
		}
		out[e.ObjectID] = v
	}
	return out
}

// CommandArgs converts an MQTT command payload into arguments for e.Command.
func CommandArgs(e Entity, payload string) (devices.Args, error) {
	payload = strings.TrimSpace(payload)
	switch e.Component {
	case ComponentSwitch:
		switch strings.ToUpper(payload) {
		case payloadOn:
			on := true
			return devices.Args{On: &on}, nil
		case payloadOff:
			off := false
			return devices.Args{On: &off}, nil
		}
		return devices.Args{}, fmt.Errorf("%w: switch payload %q", devices.ErrInvalidArgument, payload)
	case ComponentSelect, ComponentText:
		if payload == "" {
			return devices.Args{}, fmt.Errorf("%w: empty value", devices.ErrInvalidArgument)
		}
		return devices.Args{Value: payload}, nil
	case ComponentButton:
		if e.Command != devices.CmdFeed {
			return devices.Args{}, nil
		}
		// A plain press feeds one portion; a number feeds that many.
		if payload == "" || strings.EqualFold(payload, payloadPress) {
			return devices.Args{Portions: devices.MinPortions}, nil
		}
		n, err := strconv.Atoi(payload)
		if err != nil {
			return devices.Args{}, fmt.Errorf("%w: portions %q", devices.ErrInvalidArgument, payload)
		}
		return devices.Args{Portions: n}, nil
	}
	return devices.Args{}, fmt.Errorf("%w: %s %s is read-only", devices.ErrUnknownCommand, e.Component, e.ObjectID)
}
