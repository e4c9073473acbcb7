package hub

// DeviceType names a class of client in the installation.
type DeviceType string

const (
	DeviceTimer          DeviceType = "timer"
	DeviceAdmin          DeviceType = "admin"
	DevicePhotobooth     DeviceType = "photobooth"
	DeviceArcade         DeviceType = "arcade"
	DeviceKiosk          DeviceType = "kiosk"
	DeviceButtonsArduino DeviceType = "buttons-arduino"
)

// CommandName is the logical command a sender addresses to a device type.
type CommandName string

const (
	CommandStart    CommandName = "start"
	CommandPause    CommandName = "pause"
	CommandReset    CommandName = "reset"
	CommandRestart  CommandName = "restart"
	CommandCapture  CommandName = "capture"
	CommandNavigate CommandName = "navigate"
	CommandShow     CommandName = "show"
	CommandRefresh  CommandName = "refresh"
)

// commandTable maps a command for a device type to the wire event its
// clients listen for.
var commandTable = map[DeviceType]map[CommandName]string{
	DeviceTimer: {
		CommandStart: "timer:start",
		CommandPause: "timer:pause",
		CommandReset: "timer:reset",
		CommandShow:  "timer:show",
	},
	DevicePhotobooth: {
		CommandCapture: "photobooth:capture",
		CommandReset:   "photobooth:reset",
		CommandShow:    "photobooth:show",
	},
	DeviceKiosk: {
		CommandReset:    "kiosk:reset",
		CommandNavigate: "kiosk:navigate",
		CommandRefresh:  "kiosk:refresh",
	},
	DeviceArcade: {
		CommandStart: "arcade:start",
		CommandReset: "arcade:reset",
		CommandShow:  "arcade:show",
	},
	DeviceAdmin: {
		CommandRefresh: "admin:refresh",
	},
	DeviceButtonsArduino: {
		CommandStart: "buttons:start",
		CommandReset: "buttons:reset",
	},
}

// hardwareCommands is the allow-list for http-transport devices, mapped to
// the vocabulary their firmware understands.
var hardwareCommands = map[CommandName]string{
	CommandStart: "start",
	CommandReset: "restart",
}

// LookupEvent returns the wire event for a command sent to deviceType.
func LookupEvent(deviceType DeviceType, command CommandName) (string, bool) {
	events, ok := commandTable[deviceType]
	if !ok {
		return "", false
	}
	event, ok := events[command]
	return event, ok
}

// HardwareCommand translates a command for the hardware bridge. It reports
// false for commands outside the allow-list.
func HardwareCommand(command CommandName) (string, bool) {
	cmd, ok := hardwareCommands[command]
	return cmd, ok
}
