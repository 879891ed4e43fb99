package protocol

import "errors"

// Ownership failures shared by every handoff exchange implementation.
var (
	ErrTrainOwned = errors.New("train owned by another controller")
	ErrInTransit  = errors.New("train handoff in transit")
	ErrNotOwner   = errors.New("controller does not own train")
	ErrPacketGone = errors.New("handoff packet already taken")
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrSchema          = "E_SCHEMA"

	// Controller routing/state.
	ErrControllerBusy     = "E_CONTROLLER_BUSY"
	ErrControllerNotFound = "E_CONTROLLER_NOT_FOUND"
	ErrNotMaintenance     = "E_NOT_MAINTENANCE"
	ErrNotManaged         = "E_NOT_MANAGED"
	ErrNotSwitch          = "E_NOT_SWITCH"

	// Vital checks.
	ErrVitalSwitchOccupied = "E_VITAL_SWITCH_OCCUPIED"
	ErrVitalSwitchApproach = "E_VITAL_SWITCH_APPROACH"
	ErrVitalRouteClosed    = "E_VITAL_ROUTE_CLOSED"
	ErrVitalGateOccupied   = "E_VITAL_GATE_OCCUPIED"
	ErrVitalGateApproach   = "E_VITAL_GATE_APPROACH"
	ErrVitalGateClosed     = "E_VITAL_GATE_CLOSED"
	ErrVitalSignalBlocked  = "E_VITAL_SIGNAL_BLOCKED"
	ErrVitalSignalClosed   = "E_VITAL_SIGNAL_CLOSED"
	ErrVitalUnknownState   = "E_VITAL_UNKNOWN_STATE"

	// Handoff.
	ErrHandoffConflict  = "E_HANDOFF_CONFLICT"
	ErrHandoffDuplicate = "E_HANDOFF_DUPLICATE"
	ErrHandoffNotOwner  = "E_HANDOFF_NOT_OWNER"

	ErrStale    = "E_STALE"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:     {},
	ErrSchema:              {},
	ErrControllerBusy:      {},
	ErrControllerNotFound:  {},
	ErrNotMaintenance:      {},
	ErrNotManaged:          {},
	ErrNotSwitch:           {},
	ErrVitalSwitchOccupied: {},
	ErrVitalSwitchApproach: {},
	ErrVitalRouteClosed:    {},
	ErrVitalGateOccupied:   {},
	ErrVitalGateApproach:   {},
	ErrVitalGateClosed:     {},
	ErrVitalSignalBlocked:  {},
	ErrVitalSignalClosed:   {},
	ErrVitalUnknownState:   {},
	ErrHandoffConflict:     {},
	ErrHandoffDuplicate:    {},
	ErrHandoffNotOwner:     {},
	ErrStale:               {},
	ErrInternal:            {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
