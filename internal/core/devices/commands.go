package devices

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/state"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/transport"
)

// Command is a ready-to-send control request plus the optimistic detail
// patch to apply once the server acknowledges it.
type Command struct {
	Name       string           `json:"name"`
	DeviceID   int64            `json:"device_id"`
	DeviceType Type             `json:"device_type"`
	Path       string           `json:"path"`
	Params     transport.Params `json:"params"`
	Patch      map[string]any   `json:"patch,omitempty"`
	// Immediate asks for a refresh right away instead of after the
	// coordinator's refresh delay.
	Immediate bool `json:"immediate,omitempty"`
}

// Command names accepted by Build.
const (
	CmdFeed           = "feed"
	CmdAutoFill       = "auto_fill"
	CmdKeyLock        = "key_lock"
	CmdIndicatorLight = "indicator_light"
	CmdWorkMode       = "work_mode"
	CmdStartClean     = "start_clean"
	CmdPauseClean     = "pause_clean"
	CmdLight          = "light"
	CmdKeyTone        = "key_tone"
	CmdNightMode      = "night_mode"
	CmdNightModeStart = "night_mode_start"
	CmdNightModeEnd   = "night_mode_end"
	CmdRunMode        = "run_mode"
	CmdFluffyHair     = "fluffy_hair"
)

// Litter box work modes.
const (
	WorkModeAuto      = "00"
	WorkModeManual    = "01"
	WorkModeScheduled = "02"
)

// Water fountain run modes.
const (
	RunModeContinuous   = "CONTINUOUS_SPRING"
	RunModeInduction    = "INDUCTION_SPRING"
	RunModeIntermittent = "INTERMITTENT_SPRING"
)

// Feed portion bounds.
const (
	MinPortions = 1
	MaxPortions = 10
)

// Args carries command arguments from the HTTP and MQTT bridges.
type Args struct {
	On       *bool  `json:"on,omitempty"`
	Value    string `json:"value,omitempty"`
	Portions int    `json:"portions,omitempty"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
}

var catalogue = map[state.Kind][]string{
	state.KindFeeder:        {CmdFeed, CmdAutoFill, CmdKeyLock, CmdIndicatorLight},
	state.KindLitterBox:     {CmdWorkMode, CmdStartClean, CmdPauseClean},
	state.KindWaterFountain: {CmdKeyLock, CmdLight, CmdKeyTone, CmdNightMode, CmdNightModeStart, CmdNightModeEnd, CmdRunMode, CmdFluffyHair},
}

// Commands lists the command names available for a device family.
func Commands(kind state.Kind) []string {
	return append([]string(nil), catalogue[kind]...)
}

// Build resolves a named command for dev. The device's current detail is
// used where the request needs existing values (night mode times).
func Build(dev state.Device, name string, args Args) (Command, error) {
	on := func() (bool, error) {
		if args.On == nil {
			return false, fmt.Errorf("%w: %s requires on", ErrInvalidArgument, name)
		}
		return *args.On, nil
	}

	switch dev.Kind {
	case state.KindFeeder:
		switch name {
		case CmdFeed:
			return FeedNow(dev.ID, args.Portions)
		case CmdAutoFill:
			v, err := on()
			if err != nil {
				return Command{}, err
			}
			return FeederAutoFill(dev.ID, v), nil
		case CmdKeyLock:
			v, err := on()
			if err != nil {
				return Command{}, err
			}
			return FeederKeyLock(dev.ID, v), nil
		case CmdIndicatorLight:
			return FeederIndicatorLight(dev.ID, args.Value)
		}
	case state.KindLitterBox:
		switch name {
		case CmdWorkMode:
			return LitterBoxWorkMode(dev.ID, args.Value)
		case CmdStartClean:
			return LitterBoxStart(dev.ID), nil
		case CmdPauseClean:
			return LitterBoxPause(dev.ID), nil
		}
	case state.KindWaterFountain:
		switch name {
		case CmdKeyLock:
			v, err := on()
			if err != nil {
				return Command{}, err
			}
			return FountainKeyLock(dev.ID, v), nil
		case CmdLight:
			v, err := on()
			if err != nil {
				return Command{}, err
			}
			return FountainLight(dev.ID, v), nil
		case CmdKeyTone:
			v, err := on()
			if err != nil {
				return Command{}, err
			}
			return FountainKeyTone(dev.ID, v), nil
		case CmdNightMode:
			v, err := on()
			if err != nil {
				return Command{}, err
			}
			start, end := args.Start, args.End
			if start == "" {
				start = detailString(dev.Detail, "nightModeStartTime")
			}
			if end == "" {
				end = detailString(dev.Detail, "nightModeEndTime")
			}
			return FountainNightMode(dev.ID, v, start, end)
		case CmdNightModeStart:
			return FountainNightModeTimes(dev.ID, dev.Detail, args.Value, "")
		case CmdNightModeEnd:
			return FountainNightModeTimes(dev.ID, dev.Detail, "", args.Value)
		case CmdRunMode:
			return FountainRunMode(dev.ID, args.Value)
		case CmdFluffyHair:
			return FountainFluffyHair(dev.ID), nil
		}
	}
	return Command{}, fmt.Errorf("%w: %q for %s", ErrUnknownCommand, name, dev.Kind)
}

func newCommand(name string, id int64, t Type, path string, params transport.Params, patch map[string]any) Command {
	p := transport.Params{"deviceId": strconv.FormatInt(id, 10)}
	for k, v := range params {
		p[k] = v
	}
	return Command{
		Name:       name,
		DeviceID:   id,
		DeviceType: t,
		Path:       path,
		Params:     p,
		Patch:      patch,
		Immediate:  len(patch) == 0,
	}
}

func flag(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

// FeedNow dispenses portions of food right away.
func FeedNow(id int64, portions int) (Command, error) {
	if portions < MinPortions || portions > MaxPortions {
		return Command{}, fmt.Errorf("%w: portions must be %d-%d, got %d", ErrInvalidArgument, MinPortions, MaxPortions, portions)
	}
	return newCommand(CmdFeed, id, TypeFeeder, "token/device/feeder/foodOut",
		transport.Params{"footOutNum": strconv.Itoa(portions)}, nil), nil
}

// FeederAutoFill toggles automatic refilling.
func FeederAutoFill(id int64, on bool) Command {
	return newCommand(CmdAutoFill, id, TypeFeeder, "token/device/feeder/newAutoFillFood",
		transport.Params{"enable": flag(on)}, map[string]any{"newAutoFillStatus": on})
}

// FeederKeyLock toggles the feeder's button lock.
func FeederKeyLock(id int64, on bool) Command {
	return newCommand(CmdKeyLock, id, TypeFeeder, "token/device/feeder/keyLock/setting",
		transport.Params{"lockStatus": flag(on)}, map[string]any{"keyLockStatus": on})
}

// FeederIndicatorLight sets the indicator light mode to a vendor status value.
func FeederIndicatorLight(id int64, status string) (Command, error) {
	if status == "" {
		return Command{}, fmt.Errorf("%w: indicator light status is required", ErrInvalidArgument)
	}
	return newCommand(CmdIndicatorLight, id, TypeFeeder, "token/device/feeder/light/indicator/setting",
		transport.Params{"status": status}, map[string]any{"indicatorLightStatus": status}), nil
}

// LitterBoxWorkMode switches between auto, manual and scheduled cleaning.
func LitterBoxWorkMode(id int64, mode string) (Command, error) {
	switch mode {
	case WorkModeAuto, WorkModeManual, WorkModeScheduled:
	default:
		return Command{}, fmt.Errorf("%w: unknown work mode %q", ErrInvalidArgument, mode)
	}
	return newCommand(CmdWorkMode, id, TypeLitterBox, "token/device/changeMode",
		transport.Params{"workModel": mode}, map[string]any{"workModel": mode}), nil
}

// LitterBoxStart starts a cleaning cycle.
func LitterBoxStart(id int64) Command {
	return newCommand(CmdStartClean, id, TypeLitterBox, "token/device/actionCmd",
		transport.Params{"cmd": "01"}, map[string]any{"workStatus": "01"})
}

// LitterBoxPause pauses the current cleaning cycle.
func LitterBoxPause(id int64) Command {
	return newCommand(CmdPauseClean, id, TypeLitterBox, "token/device/actionCmd",
		transport.Params{"cmd": "00"}, map[string]any{"workStatus": "00"})
}

// FountainKeyLock toggles the child lock. The device reports childLock
// inverted: 0 means locked.
func FountainKeyLock(id int64, on bool) Command {
	childLock := 1
	if on {
		childLock = 0
	}
	return newCommand(CmdKeyLock, id, TypeWaterFountain, "token/device/purepro/keyLock/setting",
		transport.Params{"lockStatus": flag(on)}, map[string]any{"childLock": childLock})
}

// FountainLight toggles the fountain light.
func FountainLight(id int64, on bool) Command {
	status := "CLOSE"
	if on {
		status = "OPEN"
	}
	return newCommand(CmdLight, id, TypeWaterFountain, "token/device/purepro/light/setting",
		transport.Params{"status": status}, map[string]any{"pureLightStatus": status})
}

// FountainKeyTone toggles the button sound.
func FountainKeyTone(id int64, on bool) Command {
	tone := 0
	if on {
		tone = 1
	}
	return newCommand(CmdKeyTone, id, TypeWaterFountain, "token/device/purepro/keyTone/setting",
		transport.Params{"lockStatus": flag(on)}, map[string]any{"keyTone": tone})
}

// FountainNightMode turns quiet hours on with the given HH:MM window, or off.
func FountainNightMode(id int64, on bool, start, end string) (Command, error) {
	if !on {
		return newCommand(CmdNightMode, id, TypeWaterFountain, "token/device/purepro/nightmode",
			transport.Params{"switchFlag": "0", "startTime": "", "endTime": ""},
			map[string]any{"nightModeFlag": false}), nil
	}
	if err := checkClock(start); err != nil {
		return Command{}, err
	}
	if err := checkClock(end); err != nil {
		return Command{}, err
	}
	return newCommand(CmdNightMode, id, TypeWaterFountain, "token/device/purepro/nightmode",
		transport.Params{"switchFlag": "1", "startTime": start, "endTime": end},
		map[string]any{"nightModeFlag": true, "nightModeStartTime": start, "nightModeEndTime": end}), nil
}

// FountainNightModeTimes changes one or both quiet-hour bounds. Empty
// arguments keep the device's current value. Night mode must be on.
func FountainNightModeTimes(id int64, detail map[string]any, start, end string) (Command, error) {
	if !transport.Truthy(detail["nightModeFlag"]) {
		return Command{}, ErrNightModeOff
	}
	if start == "" && end == "" {
		return Command{}, fmt.Errorf("%w: start or end time is required", ErrInvalidArgument)
	}

	patch := map[string]any{}
	if start != "" {
		if err := checkClock(start); err != nil {
			return Command{}, err
		}
		patch["nightModeStartTime"] = start
	} else {
		start = detailString(detail, "nightModeStartTime")
	}
	if end != "" {
		if err := checkClock(end); err != nil {
			return Command{}, err
		}
		patch["nightModeEndTime"] = end
	} else {
		end = detailString(detail, "nightModeEndTime")
	}

	name := CmdNightModeStart
	if _, ok := patch["nightModeStartTime"]; !ok {
		name = CmdNightModeEnd
	}
	return newCommand(name, id, TypeWaterFountain, "token/device/purepro/nightmode",
		transport.Params{"switchFlag": "1", "startTime": start, "endTime": end}, patch), nil
}

// FountainRunMode selects how the fountain pumps water.
func FountainRunMode(id int64, mode string) (Command, error) {
	switch mode {
	case RunModeContinuous, RunModeInduction, RunModeIntermittent:
	default:
		return Command{}, fmt.Errorf("%w: unknown run mode %q", ErrInvalidArgument, mode)
	}
	return newCommand(CmdRunMode, id, TypeWaterFountain, "token/device/purepro/runMode",
		transport.Params{"runMode": mode}, map[string]any{"runMode": mode}), nil
}

// FountainFluffyHair runs the hair-removal cycle.
func FountainFluffyHair(id int64) Command {
	return newCommand(CmdFluffyHair, id, TypeWaterFountain, "token/device/purepro/fluffyHair", nil, nil)
}

func checkClock(s string) error {
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("%w: time must be HH:MM, got %q", ErrInvalidArgument, s)
	}
	return nil
}

func detailString(detail map[string]any, key string) string {
	s, _ := detail[key].(string)
	return s
}
