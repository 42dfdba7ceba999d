// Package hours is the pure calculator that turns validated time entries
// into billable hours. Totals are sums of per-entry rounded hours, not a
// rounding of the raw sum.
package hours

import (
	"fmt"
	"math"

	"github.com/bwmarrin/snowflake"
	timeentrydomain "github.com/paintops/crewclock/internal/timeentry/domain"
	"github.com/paintops/crewclock/pkg/apperr"
)

type Mode string

const (
	ModeNearest Mode = "nearest"
	ModeUp      Mode = "up"
	ModeDown    Mode = "down"
)

// DefaultStep is a quarter hour.
const DefaultStep = 0.25

// RoundHours rounds h to a multiple of step. Mode nearest uses standard
// half-away-from-zero rounding.
func RoundHours(h, step float64, mode Mode) (float64, error) {
	if step <= 0 {
		return 0, apperr.InvalidArgument("bad_rounding_step", "rounding step must be positive")
	}
	units := h / step
	var rounded float64
	switch mode {
	case ModeNearest:
		rounded = math.Round(units)
	case ModeUp:
		rounded = math.Ceil(units)
	case ModeDown:
		rounded = math.Floor(units)
	default:
		return 0, apperr.Newf(apperr.CodeInvalidArgument, "bad_rounding_mode", "unknown rounding mode %q", mode)
	}
	return rounded * step, nil
}

// CalculateEntryHours returns the rounded duration of a closed entry.
// Break time is treated as zero until a breaks sub-feature lands.
func CalculateEntryHours(entry timeentrydomain.TimeEntry, step float64, mode Mode) (float64, error) {
	if entry.ClockOutAt == nil {
		return 0, apperr.FailedPrecondition("missing_clock_out", "entry has no clock-out")
	}
	if !entry.ClockOutAt.After(entry.ClockInAt) {
		return 0, apperr.InvalidArgument("non_positive_duration", "clockOutAt must be after clockInAt")
	}
	raw := entry.ClockOutAt.Sub(entry.ClockInAt).Hours()
	return RoundHours(raw, step, mode)
}

// CalculateHours rounds each entry individually and sums the results.
func CalculateHours(entries []timeentrydomain.TimeEntry, step float64, mode Mode) (float64, error) {
	var total float64
	for _, entry := range entries {
		h, err := CalculateEntryHours(entry, step, mode)
		if err != nil {
			return 0, err
		}
		total += h
	}
	return total, nil
}

// ByJob groups entries by job ID.
func ByJob(entries []timeentrydomain.TimeEntry) map[snowflake.ID][]timeentrydomain.TimeEntry {
	groups := make(map[snowflake.ID][]timeentrydomain.TimeEntry)
	for _, entry := range entries {
		groups[entry.JobID] = append(groups[entry.JobID], entry)
	}
	return groups
}

// ByWorker groups entries by user ID.
func ByWorker(entries []timeentrydomain.TimeEntry) map[string][]timeentrydomain.TimeEntry {
	groups := make(map[string][]timeentrydomain.TimeEntry)
	for _, entry := range entries {
		groups[entry.UserID] = append(groups[entry.UserID], entry)
	}
	return groups
}

// CalculateHoursByJob returns per-job rounded totals.
func CalculateHoursByJob(entries []timeentrydomain.TimeEntry, step float64, mode Mode) (map[snowflake.ID]float64, error) {
	totals := make(map[snowflake.ID]float64)
	for jobID, group := range ByJob(entries) {
		h, err := CalculateHours(group, step, mode)
		if err != nil {
			return nil, err
		}
		totals[jobID] = h
	}
	return totals, nil
}

// CalculateHoursByWorker returns per-worker rounded totals.
func CalculateHoursByWorker(entries []timeentrydomain.TimeEntry, step float64, mode Mode) (map[string]float64, error) {
	totals := make(map[string]float64)
	for userID, group := range ByWorker(entries) {
		h, err := CalculateHours(group, step, mode)
		if err != nil {
			return nil, err
		}
		totals[userID] = h
	}
	return totals, nil
}

// ValidateForInvoicing returns human-readable problems that keep entries
// off an invoice for companyID.
func ValidateForInvoicing(entries []timeentrydomain.TimeEntry, companyID snowflake.ID) []string {
	var problems []string
	for _, entry := range entries {
		id := entry.ID.String()
		switch {
		case entry.CompanyID != companyID:
			problems = append(problems, fmt.Sprintf("entry %s belongs to another company", id))
		case entry.ClockOutAt == nil:
			problems = append(problems, fmt.Sprintf("entry %s is still active", id))
		case !entry.ClockOutAt.After(entry.ClockInAt):
			problems = append(problems, fmt.Sprintf("entry %s has a non-positive duration", id))
		case entry.Status != timeentrydomain.StatusApproved:
			problems = append(problems, fmt.Sprintf("entry %s is not approved", id))
		case entry.Invoiced():
			problems = append(problems, fmt.Sprintf("entry %s is already invoiced", id))
		}
	}
	return problems
}
