package devices

import "errors"

var (
	// ErrNoDevices means the merged directory for the account is empty.
	ErrNoDevices = errors.New("devices: no devices found for account")
	// ErrUnknownCommand means the command name is not valid for the device family.
	ErrUnknownCommand = errors.New("devices: unknown command")
	// ErrInvalidArgument means a command argument is missing or out of range.
	ErrInvalidArgument = errors.New("devices: invalid command argument")
	// ErrNightModeOff means quiet-hour times can only be changed while night mode is on.
	ErrNightModeOff = errors.New("devices: night mode is off")
)
