// Package gates validates move-to-gate targets against the yard's fixed
// gate table.
package gates

import (
	"fmt"
	"sort"
	"strings"
)

const (
	BuildingABK1 = "ABK1"
	BuildingABK2 = "ABK2"
)

type gateRange struct {
	from int
	to   int
}

var buildingGates = map[string][]gateRange{
	BuildingABK1: {{from: 1, to: 59}, {from: 66, to: 83}},
	BuildingABK2: {{from: 1, to: 10}},
}

// InvalidGateError carries the allowed ranges so callers can surface them.
type InvalidGateError struct {
	Building string
	Gate     int
	Allowed  string
}

func (e *InvalidGateError) Error() string {
	if e.Allowed == "" {
		return fmt.Sprintf("unknown building %q", e.Building)
	}
	return fmt.Sprintf("gate %d not in building %s (allowed %s)", e.Gate, e.Building, e.Allowed)
}

// NormalizeBuilding maps case-insensitive input onto the canonical name.
func NormalizeBuilding(building string) string {
	return strings.ToUpper(strings.TrimSpace(building))
}

// Validate checks that the gate exists in the building.
func Validate(building string, gate int) error {
	name := NormalizeBuilding(building)
	ranges, ok := buildingGates[name]
	if !ok {
		return &InvalidGateError{Building: building, Gate: gate}
	}
	for _, r := range ranges {
		if gate >= r.from && gate <= r.to {
			return nil
		}
	}
	return &InvalidGateError{Building: name, Gate: gate, Allowed: describeRanges(ranges)}
}

// Buildings lists the known buildings in stable order.
func Buildings() []string {
	names := make([]string, 0, len(buildingGates))
	for name := range buildingGates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllowedGates describes a building's gate ranges, or "" if unknown.
func AllowedGates(building string) string {
	ranges, ok := buildingGates[NormalizeBuilding(building)]
	if !ok {
		return ""
	}
	return describeRanges(ranges)
}

func describeRanges(ranges []gateRange) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		parts = append(parts, fmt.Sprintf("%d-%d", r.from, r.to))
	}
	return strings.Join(parts, ", ")
}
