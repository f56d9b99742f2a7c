// Package ttsp is the control core of a TrueTouch-style touchscreen
// controller reached over a register-addressed byte bus. It owns the
// controller's operating mode, the command handshake, exclusive access for
// downstream clients, interrupt dispatch, sleep/wake and startup recovery.
package ttsp

const (
	// RegBase is the host-mode register; every mode map starts with it.
	RegBase = 0x00

	// HeaderLen is how much of the map the interrupt worker reads first:
	// host-mode byte plus three trailing bytes.
	HeaderLen = 4

	// --- Host-mode byte (register 0) ---
	HstToggle     = 0x80 // flips on every device event; acked by writing it back inverted
	HstModeMask   = 0x70
	HstModeChange = 0x08 // host sets to request a change; device clears when done
	HstLowPower   = 0x04
	HstDeepSleep  = 0x02
	HstReset      = 0x01 // host: soft reset; device: set while in its bootloader

	HstModeOperational = 0x00
	HstModeSysInfo     = 0x10
	HstModeCat         = 0x20

	// --- Command register byte 0 ---
	CmdCodeMask = 0x3F
	CmdComplete = 0x40
	CmdToggle   = 0x80

	// CatCmdOffset is the fixed command register offset in CAT mode. The
	// operational offset comes from system information.
	CatCmdOffset = 0x02

	// --- Bootloader header (register 0 reads HstReset; then these) ---
	BLStatusBusy     = 0x80
	BLStatusRunning  = 0x10
	BLStatusAppValid = 0x01

	BLErrInvalidApp = 0x20

	// SysInfoHeaderLen is the size of the offset table at the top of the
	// SysInfo map.
	SysInfoHeaderLen = 16

	// Touch record count lives in the low bits of the tt_stat byte.
	TTStatCountMask = 0x1F
)

// Response status bytes shared by the config-block commands.
const (
	StatusOK     = 0x00
	StatusFailed = 0x01
	StatusCRC    = 0x02
)

// BootloaderExit is written at RegBase to leave the bootloader: a 0xFF
// prefix followed by a bootloader packet (SOP, exit command 0x3B, zero
// length, checksum, EOP).
var BootloaderExit = [...]byte{0xFF, 0x01, 0x3B, 0x00, 0x00, 0x4F, 0x6D, 0x17}

// SecurityKey must follow config data in a write-config-block command.
var SecurityKey = [...]byte{0xA5, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD, 0x5A}

func isBootloader(h []byte) bool {
	return len(h) > 0 && h[0]&HstReset != 0
}

// bootloaderIdle reports the bootloader's idle heartbeat.
func bootloaderIdle(h []byte) bool {
	return len(h) > 1 && h[1]&(BLStatusRunning|BLStatusBusy) == BLStatusRunning
}

// bootloaderAppCorrupt reports a bootloader that refuses to launch a
// damaged application image.
func bootloaderAppCorrupt(h []byte) bool {
	if !isBootloader(h) || len(h) < 3 {
		return false
	}
	return h[1]&BLStatusAppValid == 0 || h[2]&BLErrInvalidApp != 0
}
