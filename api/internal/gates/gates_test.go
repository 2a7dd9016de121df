package gates

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name     string
		building string
		gate     int
		ok       bool
	}{
		{name: "abk1 low edge", building: "ABK1", gate: 1, ok: true},
		{name: "abk1 first range top", building: "ABK1", gate: 59, ok: true},
		{name: "abk1 hole", building: "ABK1", gate: 60, ok: false},
		{name: "abk1 hole upper", building: "ABK1", gate: 65, ok: false},
		{name: "abk1 second range bottom", building: "ABK1", gate: 66, ok: true},
		{name: "abk1 top edge", building: "ABK1", gate: 83, ok: true},
		{name: "abk1 past top", building: "ABK1", gate: 84, ok: false},
		{name: "abk1 zero", building: "ABK1", gate: 0, ok: false},
		{name: "abk2 in range", building: "ABK2", gate: 10, ok: true},
		{name: "abk2 out of range", building: "ABK2", gate: 11, ok: false},
		{name: "lowercase building", building: "abk1", gate: 42, ok: true},
		{name: "padded building", building: " ABK2 ", gate: 3, ok: true},
		{name: "unknown building", building: "ABK9", gate: 1, ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.building, tc.gate)
			if tc.ok && err != nil {
				t.Fatalf("Validate(%q, %d) = %v, want nil", tc.building, tc.gate, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("Validate(%q, %d) = nil, want error", tc.building, tc.gate)
			}
		})
	}
}

func TestValidateErrorDetails(t *testing.T) {
	err := Validate("ABK1", 60)
	var gateErr *InvalidGateError
	if !errors.As(err, &gateErr) {
		t.Fatalf("expected InvalidGateError, got %T", err)
	}
	if gateErr.Allowed != "1-59, 66-83" {
		t.Fatalf("allowed ranges = %q", gateErr.Allowed)
	}
	if !strings.Contains(gateErr.Error(), "66-83") {
		t.Fatalf("error text %q misses range", gateErr.Error())
	}
}

func TestBuildings(t *testing.T) {
	got := Buildings()
	if len(got) != 2 || got[0] != BuildingABK1 || got[1] != BuildingABK2 {
		t.Fatalf("Buildings() = %v", got)
	}
	if AllowedGates("abk2") != "1-10" {
		t.Fatalf("AllowedGates(abk2) = %q", AllowedGates("abk2"))
	}
	if AllowedGates("nope") != "" {
		t.Fatalf("AllowedGates(nope) = %q", AllowedGates("nope"))
	}
}
