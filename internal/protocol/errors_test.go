package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrSchema,
		ErrControllerBusy,
		ErrControllerNotFound,
		ErrNotMaintenance,
		ErrNotManaged,
		ErrNotSwitch,
		ErrVitalSwitchOccupied,
		ErrVitalSwitchApproach,
		ErrVitalRouteClosed,
		ErrVitalGateOccupied,
		ErrVitalGateApproach,
		ErrVitalGateClosed,
		ErrVitalSignalBlocked,
		ErrVitalSignalClosed,
		ErrVitalUnknownState,
		ErrHandoffConflict,
		ErrHandoffDuplicate,
		ErrHandoffNotOwner,
		ErrStale,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestAspectRestrictiveness(t *testing.T) {
	order := []Aspect{SuperGreen, Green, Yellow, Red}
	for i := 1; i < len(order); i++ {
		if order[i].Restrictiveness() <= order[i-1].Restrictiveness() {
			t.Fatalf("%s should be more restrictive than %s", order[i], order[i-1])
		}
	}
	if Aspect("FLASHING").Restrictiveness() != Red.Restrictiveness() {
		t.Fatalf("unknown aspect must rank as red")
	}
	if Forward.Opposite() != Reverse || Reverse.Opposite() != Forward {
		t.Fatalf("direction opposite mismatch")
	}
}
