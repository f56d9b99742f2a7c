package ttsp

// Mode is the controller's self-reported operating mode. Values are bits so
// they can be combined into subscription masks.
type Mode uint8

const (
	ModeUnknown     Mode = 0
	ModeBootloader  Mode = 1 << 0
	ModeSysInfo     Mode = 1 << 1
	ModeOperational Mode = 1 << 2
	ModeCat         Mode = 1 << 3
)

// ModeAny is the wildcard subscription mask.
const ModeAny Mode = 0

func (m Mode) String() string {
	switch m {
	case ModeUnknown:
		return "unknown"
	case ModeBootloader:
		return "bootloader"
	case ModeSysInfo:
		return "sysinfo"
	case ModeOperational:
		return "operational"
	case ModeCat:
		return "cat"
	default:
		return "mask"
	}
}

// hstBits returns the host-mode field for modes the host may request.
func (m Mode) hstBits() (byte, bool) {
	switch m {
	case ModeOperational:
		return HstModeOperational, true
	case ModeSysInfo:
		return HstModeSysInfo, true
	case ModeCat:
		return HstModeCat, true
	}
	return 0, false
}

func modeFromHst(h byte) Mode {
	if h&HstReset != 0 {
		return ModeBootloader
	}
	switch h & HstModeMask {
	case HstModeOperational:
		return ModeOperational
	case HstModeSysInfo:
		return ModeSysInfo
	case HstModeCat:
		return ModeCat
	}
	return ModeUnknown
}

// ParseMode accepts the String forms.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "operational", "op":
		return ModeOperational, true
	case "sysinfo":
		return ModeSysInfo, true
	case "cat":
		return ModeCat, true
	case "bootloader":
		return ModeBootloader, true
	}
	return ModeUnknown, false
}

type SleepState uint8

const (
	SleepOff SleepState = iota
	SleepOn
	SleepSleeping // entering; rejects re-entrant requests
	SleepWaking   // leaving; rejects re-entrant requests
)

func (s SleepState) String() string {
	switch s {
	case SleepOff:
		return "off"
	case SleepOn:
		return "on"
	case SleepSleeping:
		return "sleeping"
	case SleepWaking:
		return "waking"
	}
	return "invalid"
}

type StartupState uint8

const (
	StartupNone StartupState = iota
	StartupQueued
	StartupRunning
)

func (s StartupState) String() string {
	switch s {
	case StartupNone:
		return "none"
	case StartupQueued:
		return "queued"
	case StartupRunning:
		return "running"
	}
	return "invalid"
}

// IntStatus is the set of interrupt conditions the host is waiting on.
// A bit is set when an operation starts and cleared when the interrupt
// worker observes the matching device condition.
type IntStatus uint8

const (
	IntIgnore     IntStatus = 1 << iota // device asleep; interrupts are wake events
	IntModeChange                       // waiting for a mode change to settle
	IntExecCmd                          // waiting for command completion
	IntAwake                            // waiting for the wake acknowledgement
)

func (s IntStatus) Has(v IntStatus) bool { return s&v != 0 }
func (s *IntStatus) Set(v IntStatus)     { *s |= v }
func (s *IntStatus) Clear(v IntStatus)   { *s &^= v }

func (s IntStatus) String() string {
	if s == 0 {
		return "none"
	}
	out := ""
	add := func(v IntStatus, name string) {
		if s.Has(v) {
			if out != "" {
				out += "|"
			}
			out += name
		}
	}
	add(IntIgnore, "ignore")
	add(IntModeChange, "mode_change")
	add(IntExecCmd, "exec_cmd")
	add(IntAwake, "awake")
	return out
}

// SleepPolicy selects how the controller is put into low power.
type SleepPolicy uint8

const (
	SleepDeep      SleepPolicy = iota // deep-sleep bit in the host-mode register
	SleepEventWake                    // wait-for-event command; device wakes on a gesture
)

// WakePolicy selects what a device-initiated interrupt during sleep means.
type WakePolicy uint8

const (
	WakeResleep WakePolicy = iota // spurious: put it back to sleep
	WakeReport                    // wake event: notify Wake subscribers
)
