package domain

import (
	"fmt"
	"strings"
)

// ScheduleMode partitions runs between worker pools. The set is closed:
// ParseScheduleMode rejects anything else so new modes must be added here.
type ScheduleMode string

const (
	ScheduleModeImmediate ScheduleMode = "immediate"
	ScheduleModeScheduled ScheduleMode = "scheduled"
	ScheduleModeManual    ScheduleMode = "manual"
)

func AllScheduleModes() []ScheduleMode {
	return []ScheduleMode{ScheduleModeImmediate, ScheduleModeScheduled, ScheduleModeManual}
}

func scheduleModeNames() string {
	modes := AllScheduleModes()
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

func ParseScheduleMode(value string) (ScheduleMode, error) {
	switch m := ScheduleMode(strings.ToLower(strings.TrimSpace(value))); m {
	case ScheduleModeImmediate, ScheduleModeScheduled, ScheduleModeManual:
		return m, nil
	default:
		return "", fmt.Errorf("unknown schedule mode %q (want one of: %s)", value, scheduleModeNames())
	}
}

// ParseScheduleModes normalizes a worker's mode filter. Blank entries are
// dropped and duplicates collapsed; an empty result means every mode.
func ParseScheduleModes(values []string) ([]ScheduleMode, error) {
	out := make([]ScheduleMode, 0, len(values))
	seen := make(map[ScheduleMode]struct{}, len(values))
	for _, raw := range values {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		mode, err := ParseScheduleMode(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[mode]; ok {
			continue
		}
		seen[mode] = struct{}{}
		out = append(out, mode)
	}
	return out, nil
}

// DefaultScheduleMode picks the mode for a run created by the given origin.
func DefaultScheduleMode(fromScheduledTask bool) ScheduleMode {
	if fromScheduledTask {
		return ScheduleModeScheduled
	}
	return ScheduleModeImmediate
}
