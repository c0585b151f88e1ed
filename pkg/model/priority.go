package model

// Priority mapping between the device store's 0-9 ordinals and the
// ledger's 1-5 scale. The tables are fixed lookups, not proportional: the
// device scale clusters into high (1-4), medium (5), low (6-9) and none
// (everything else). Going the other way, ledger 4 and 5 both land on the
// device "none" ordinal, so a 5 that round-trips comes back as a 4. That
// collapse is intentional; see the priority tests.

const (
	LedgerPriorityHigh   = 1
	LedgerPriorityMedium = 2
	LedgerPriorityLow    = 3
	LedgerPriorityNone   = 4
)

// DevicePriorityToLedger maps a device ordinal onto the ledger scale.
func DevicePriorityToLedger(devicePriority int) int {
	switch {
	case devicePriority >= 1 && devicePriority <= 4:
		return LedgerPriorityHigh
	case devicePriority == 5:
		return LedgerPriorityMedium
	case devicePriority >= 6 && devicePriority <= 9:
		return LedgerPriorityLow
	default:
		return LedgerPriorityNone
	}
}

// LedgerPriorityToDevice maps a ledger ordinal onto the device scale.
func LedgerPriorityToDevice(ledgerPriority int) int {
	switch ledgerPriority {
	case 1:
		return 1
	case 2:
		return 5
	case 3:
		return 9
	default: // 4, 5 and anything out of range
		return 0
	}
}
