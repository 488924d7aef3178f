// Package schedule computes next-run timestamps from a job's schedule
// metadata. All arithmetic happens in the job's configured timezone and
// results are UTC epoch seconds, so stored scores and inter-worker
// comparisons stay timezone-agnostic.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tqlabs/tq/internal/job"
)

// LatenessThreshold is the grace window beyond a due time after which a
// scheduled run counts as late and triggers the fallback callable.
const LatenessThreshold = 5 * time.Minute

const (
	dateLayout  = "01/02/2006"
	hourSeconds = int64(time.Hour / time.Second)
)

// IsLate reports whether now is past the due time by more than the lateness
// threshold.
func IsLate(dueAt, now int64) bool {
	return now-dueAt > int64(LatenessThreshold/time.Second)
}

// FirstRun computes the first due time for fresh schedule metadata. A date
// schedule yields that date at the earliest timeslot (a one-shot run).
// Otherwise the earliest timeslot still ahead of now today is used when
// today's weekday is scheduled, falling back to the next scheduled weekday at
// the first timeslot.
func FirstRun(info *job.ExecInfo, now time.Time) (int64, error) {
	loc, err := location(info)
	if err != nil {
		return 0, err
	}

	slots, err := sortedSlots(info.Timeslots)
	if err != nil {
		return 0, err
	}

	if info.Date != "" {
		day, err := time.ParseInLocation(dateLayout, info.Date, loc)
		if err != nil {
			return 0, fmt.Errorf("invalid schedule date %q: %w", info.Date, err)
		}
		return at(day, slots[0], loc), nil
	}

	local := now.In(loc)

	if containsDay(info.Days, weekdayIndex(local)) {
		if ts, ok := nextSlotToday(slots, local, loc); ok {
			return ts, nil
		}
	}

	ts, ok := nextDayRun(info.Days, slots[0], local, loc)
	if !ok {
		return 0, fmt.Errorf("schedule has no eligible weekday in %v", info.Days)
	}

	return ts, nil
}

// NextRun computes the due time following a completed run. Hourly jobs advance
// by their interval from the last due time; when the run happened later than
// the lateness threshold, whole missed intervals are skipped so the schedule
// keeps its phase instead of drifting after a worker outage. Weekday/timeslot
// jobs advance to the next slot today or the next scheduled weekday. ok is
// false when the schedule cannot produce another instant, e.g. a consumed
// one-shot date.
func NextRun(info *job.ExecInfo, now time.Time) (ts int64, ok bool, err error) {
	if info.EveryHour > 0 {
		interval := int64(info.EveryHour) * hourSeconds
		next := info.ScheduledAt + interval

		if lateness := info.RanAt - info.ScheduledAt; lateness > int64(LatenessThreshold/time.Second) {
			missed := (lateness / hourSeconds) / int64(info.EveryHour)
			next += missed * interval
		}

		return next, true, nil
	}

	loc, err := location(info)
	if err != nil {
		return 0, false, err
	}

	slots, err := sortedSlots(info.Timeslots)
	if err != nil {
		return 0, false, err
	}

	local := now.In(loc)

	if ts, ok := nextSlotToday(slots, local, loc); ok {
		return ts, true, nil
	}

	if info.Date == "" && len(info.Days) > 0 {
		ts, ok := nextDayRun(info.Days, slots[0], local, loc)
		if !ok {
			return 0, false, fmt.Errorf("schedule has no eligible weekday in %v", info.Days)
		}
		return ts, true, nil
	}

	return 0, false, nil
}

// timeslot is a time of day, seconds-resolution.
type timeslot struct {
	hour, minute, second int
}

func (s timeslot) seconds() int {
	return s.hour*3600 + s.minute*60 + s.second
}

func parseSlot(raw string) (timeslot, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return timeslot{}, fmt.Errorf("invalid timeslot %q", raw)
	}

	var fields [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return timeslot{}, fmt.Errorf("invalid timeslot %q", raw)
		}
		fields[i] = n
	}
	if fields[0] > 23 || fields[1] > 59 || fields[2] > 59 {
		return timeslot{}, fmt.Errorf("invalid timeslot %q", raw)
	}

	return timeslot{hour: fields[0], minute: fields[1], second: fields[2]}, nil
}

func sortedSlots(raw []string) ([]timeslot, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("schedule has no timeslots")
	}

	slots := make([]timeslot, len(raw))
	for i, r := range raw {
		slot, err := parseSlot(r)
		if err != nil {
			return nil, err
		}
		slots[i] = slot
	}

	sort.Slice(slots, func(i, j int) bool {
		return slots[i].seconds() < slots[j].seconds()
	})

	return slots, nil
}

func location(info *job.ExecInfo) (*time.Location, error) {
	if info.Timezone == "" {
		return nil, fmt.Errorf("schedule is missing a timezone")
	}

	loc, err := time.LoadLocation(info.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", info.Timezone, err)
	}

	return loc, nil
}

// weekdayIndex maps to Monday=0 .. Sunday=6.
func weekdayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// nextSlotToday returns the earliest slot strictly after local's time of day,
// on local's date. Comparison uses hour:minute:second only.
func nextSlotToday(slots []timeslot, local time.Time, loc *time.Location) (int64, bool) {
	nowSecs := local.Hour()*3600 + local.Minute()*60 + local.Second()

	for _, slot := range slots {
		if nowSecs < slot.seconds() {
			return at(local, slot, loc), true
		}
	}

	return 0, false
}

// nextDayRun finds the nearest weekday after local's date that appears in
// days, wrapping across the week, and returns it combined with the first slot.
// A weekday equal to today lands a full week out.
func nextDayRun(days []int, first timeslot, local time.Time, loc *time.Location) (int64, bool) {
	today := weekdayIndex(local)

	for offset := 1; offset <= 7; offset++ {
		if containsDay(days, (today+offset)%7) {
			return at(local.AddDate(0, 0, offset), first, loc), true
		}
	}

	return 0, false
}

// at combines a calendar date with a time of day in loc and converts to UTC
// epoch seconds.
func at(day time.Time, slot timeslot, loc *time.Location) int64 {
	return time.Date(day.Year(), day.Month(), day.Day(),
		slot.hour, slot.minute, slot.second, 0, loc).Unix()
}
