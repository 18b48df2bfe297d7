package boot

import "fmt"

// Mode is the machine state.
type Mode int

const (
	ModeBootWait Mode = iota
	ModeMenu
	ModeVersionEntry
	ModeSelectDownloadSlot
	ModeSelectCommitSlot
	ModeDirectTransfer
	ModeStagedTransfer
	ModeCommit
	ModeHalted
)

var modeNames = [...]string{
	ModeBootWait:           "boot-wait",
	ModeMenu:               "menu",
	ModeVersionEntry:       "version-entry",
	ModeSelectDownloadSlot: "select-download-slot",
	ModeSelectCommitSlot:   "select-commit-slot",
	ModeDirectTransfer:     "direct-transfer",
	ModeStagedTransfer:     "staged-transfer",
	ModeCommit:             "commit",
	ModeHalted:             "halted",
}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Transferring reports whether the mode routes chunks to the receiver.
func (m Mode) Transferring() bool {
	return m == ModeDirectTransfer || m == ModeStagedTransfer
}

type action int

const (
	actNone action = iota
	actEraseApp
	actDirectDownload
	actVersionPrompt
	actShowVersion
	actDownloadSlotPrompt
	actCommitSlotPrompt
	actReboot
	actStagedDownload
	actCommit
	actBadSlot
)

type step struct {
	next   Mode
	action action
	slot   int
}

// transition maps a single command byte received in mode to the next mode
// and the action to run. Staging slots are selected with '1'..'9' and must
// be below slots.
func transition(mode Mode, in byte, slots int) step {
	switch mode {
	case ModeMenu:
		switch in {
		case '1':
			return step{next: ModeMenu, action: actEraseApp}
		case '2':
			return step{next: ModeDirectTransfer, action: actDirectDownload}
		case '3':
			return step{next: ModeVersionEntry, action: actVersionPrompt}
		case '4':
			return step{next: ModeMenu, action: actShowVersion}
		case '5':
			return step{next: ModeSelectDownloadSlot, action: actDownloadSlotPrompt}
		case '6':
			return step{next: ModeSelectCommitSlot, action: actCommitSlotPrompt}
		case '7':
			return step{next: ModeHalted, action: actReboot}
		}
	case ModeSelectDownloadSlot, ModeSelectCommitSlot:
		slot, ok := slotDigit(in, slots)
		if !ok {
			return step{next: mode, action: actBadSlot}
		}
		if mode == ModeSelectDownloadSlot {
			return step{next: ModeStagedTransfer, action: actStagedDownload, slot: slot}
		}
		return step{next: ModeCommit, action: actCommit, slot: slot}
	}
	return step{next: mode, action: actNone}
}

func slotDigit(in byte, slots int) (int, bool) {
	if in < '1' || in > '9' {
		return 0, false
	}
	slot := int(in - '0')
	return slot, slot < slots
}
