package engine

import (
	"fmt"
	"strings"

	"sensoralert/internal/domain"
)

// ScopeMode selects how non-empty scope dimensions combine.
type ScopeMode string

const (
	// ScopeAny matches when any non-empty dimension matches.
	ScopeAny ScopeMode = "any"
	// ScopeAll matches when every non-empty dimension matches.
	ScopeAll ScopeMode = "all"
)

// ParseScopeMode normalizes configured scope mode.
// Params: raw mode text; empty defaults to "any".
// Returns: known mode or validation error.
func ParseScopeMode(raw string) (ScopeMode, error) {
	switch mode := ScopeMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return ScopeAny, nil
	case ScopeAny, ScopeAll:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported scope mode %q", raw)
	}
}

// MatchScope checks whether filter scope covers the sensor.
// Params: filter scope, sensor (area and groups), and firing sensor config ID (0 when unknown).
// Returns: false for empty scope; otherwise OR of non-empty dimensions.
func MatchScope(scope domain.Scope, sensor domain.Sensor, sensorConfigID int64) bool {
	return MatchScopeMode(ScopeAny, scope, sensor, sensorConfigID)
}

// MatchScopeMode checks scope with explicit dimension combination mode.
// Params: mode, filter scope, sensor, and firing sensor config ID.
// Returns: scope match result; empty scope never matches.
func MatchScopeMode(mode ScopeMode, scope domain.Scope, sensor domain.Sensor, sensorConfigID int64) bool {
	if scope.Empty() {
		return false
	}
	checks := make([]bool, 0, 3)
	if len(scope.AreaIDs) > 0 {
		checks = append(checks, containsID(scope.AreaIDs, sensor.AreaID))
	}
	if len(scope.SensorGroupIDs) > 0 {
		checks = append(checks, intersects(scope.SensorGroupIDs, sensor.GroupIDs))
	}
	if len(scope.SensorConfigIDs) > 0 {
		checks = append(checks, sensorConfigID > 0 && containsID(scope.SensorConfigIDs, sensorConfigID))
	}

	if mode == ScopeAll {
		for _, ok := range checks {
			if !ok {
				return false
			}
		}
		return true
	}
	for _, ok := range checks {
		if ok {
			return true
		}
	}
	return false
}

// containsID checks ID membership.
// Params: haystack IDs and expected ID.
// Returns: true when ID exists in list.
func containsID(values []int64, expected int64) bool {
	for _, v := range values {
		if v == expected {
			return true
		}
	}
	return false
}

func intersects(left, right []int64) bool {
	for _, v := range right {
		if containsID(left, v) {
			return true
		}
	}
	return false
}
