// Package program implements the HeartbeatProgram and CronProgram
// registries (spec §4.12): timer-armed synthetic operator wakes that feed
// back into the pipeline as inbound commands. It is grounded directly on
// the teacher's internal/gitai/gateway.Manager/cronSchedule — the same
// clock-injected, minute-resolution forward scan and the same
// Reconcile-style job-registry shape — generalized from a single
// hard-coded "cron" gateway type firing an HTTP POST to an ACP endpoint,
// to the spec's two program kinds (heartbeat, cron) and three schedule
// variants (at/every/cron) dispatching through an injected callback
// instead of an HTTP round trip.
package program

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ScheduleKind discriminates the CronProgram schedule tagged union.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is the tagged union spec §4.12 defines for CronProgram.
type Schedule struct {
	Kind ScheduleKind

	AtMS int64 // kind=at

	EveryMS   int64 // kind=every
	AnchorMS  int64 // kind=every

	Expr string // kind=cron
	TZ   string // kind=cron, IANA name; empty => UTC
}

// CronSearchHorizonMinutes bounds the forward scan for kind=cron, per spec
// §9's "~2 years of minutes" default. A package var rather than a const so
// config.MuConfig can override it at startup.
var CronSearchHorizonMinutes = 2 * 366 * 24 * 60

// NextMS returns the next fire time (epoch ms) at or after nowMS (strictly
// after nowMS for kind=cron, which scans from the following minute), or
// (0, false) if no future fire time exists (an exhausted one-shot, or a
// cron expression whose search horizon was exceeded).
func (s Schedule) NextMS(nowMS int64) (int64, bool) {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMS < nowMS {
			return 0, false
		}
		return s.AtMS, true

	case ScheduleEvery:
		if s.EveryMS <= 0 {
			return 0, false
		}
		if nowMS < s.AnchorMS {
			return s.AnchorMS, true
		}
		elapsed := nowMS - s.AnchorMS
		steps := (elapsed + s.EveryMS - 1) / s.EveryMS // ceil division
		return s.AnchorMS + steps*s.EveryMS, true

	case ScheduleCron:
		sched, err := parseCron(s.Expr)
		if err != nil {
			return 0, false
		}
		loc := time.UTC
		if s.TZ != "" {
			if l, err := time.LoadLocation(s.TZ); err == nil {
				loc = l
			}
		}
		now := time.UnixMilli(nowMS).In(loc)
		next, ok := sched.next(now)
		if !ok {
			return 0, false
		}
		return next.UnixMilli(), true

	default:
		return 0, false
	}
}

// cronSchedule holds the resolved value sets for each of the 5 fields plus
// the day-of-month/day-of-week explicit-field flags needed for the union
// rule spec §4.12 describes ("if both DoM and DoW specified, union; else
// the specified one").
type cronSchedule struct {
	minute       []int
	hour         []int
	dayOfMonth   []int
	month        []int
	dayOfWeek    []int
	domExplicit  bool
	dowExplicit  bool
}

func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have exactly 5 fields, got %d in %q", len(fields), expr)
	}

	minute, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field %q: %w", fields[0], err)
	}
	hour, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field %q: %w", fields[1], err)
	}
	dayOfMonth, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field %q: %w", fields[2], err)
	}
	month, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field %q: %w", fields[3], err)
	}
	// day-of-week supports 0-7 with 7 meaning Sunday (same as 0), per spec §4.12.
	dayOfWeek, err := parseCronField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field %q: %w", fields[4], err)
	}
	for i, v := range dayOfWeek {
		if v == 7 {
			dayOfWeek[i] = 0
		}
	}

	return &cronSchedule{
		minute:      minute,
		hour:        hour,
		dayOfMonth:  dayOfMonth,
		month:       month,
		dayOfWeek:   dayOfWeek,
		domExplicit: fields[2] != "*",
		dowExplicit: fields[4] != "*",
	}, nil
}

func parseCronField(field string, min, max int) ([]int, error) {
	if idx := strings.LastIndex(field, "/"); idx != -1 {
		stepStr := field[idx+1:]
		step, err := strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step value %q", stepStr)
		}
		base := field[:idx]
		var start, end int
		switch {
		case base == "*":
			start, end = min, max
		case strings.Contains(base, "-"):
			s, e, err := parseRange(base)
			if err != nil {
				return nil, err
			}
			start, end = s, e
		default:
			v, err := strconv.Atoi(base)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", base)
			}
			start, end = v, max
		}
		if err := checkRange(start, end, min, max); err != nil {
			return nil, err
		}
		var vals []int
		for v := start; v <= end; v += step {
			vals = append(vals, v)
		}
		return vals, nil
	}

	if field == "*" {
		vals := make([]int, max-min+1)
		for i := range vals {
			vals[i] = min + i
		}
		return vals, nil
	}

	if strings.Contains(field, ",") {
		parts := strings.Split(field, ",")
		seen := make(map[int]bool)
		var vals []int
		for _, p := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("invalid list value %q", p)
			}
			if v < min || v > max {
				return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
			}
			if !seen[v] {
				seen[v] = true
				vals = append(vals, v)
			}
		}
		sort.Ints(vals)
		return vals, nil
	}

	if strings.Contains(field, "-") {
		start, end, err := parseRange(field)
		if err != nil {
			return nil, err
		}
		if err := checkRange(start, end, min, max); err != nil {
			return nil, err
		}
		vals := make([]int, end-start+1)
		for i := range vals {
			vals[i] = start + i
		}
		return vals, nil
	}

	v, err := strconv.Atoi(field)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", field)
	}
	if v < min || v > max {
		return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
	}
	return []int{v}, nil
}

func parseRange(s string) (start, end int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q", parts[0])
	}
	end, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q", parts[1])
	}
	return start, end, nil
}

func checkRange(start, end, min, max int) error {
	if start < min || end > max || start > end {
		return fmt.Errorf("range [%d, %d] out of bounds [%d, %d]", start, end, min, max)
	}
	return nil
}

// next returns the next time strictly after now matching the schedule,
// scanning forward at minute resolution up to CronSearchHorizonMinutes.
func (s *cronSchedule) next(now time.Time) (time.Time, bool) {
	t := now.Add(time.Minute).Truncate(time.Minute)
	loc := now.Location()
	t = t.In(loc)

	for i := 0; i < CronSearchHorizonMinutes; i++ {
		if containsInt(s.month, int(t.Month())) && s.dayMatches(t) &&
			containsInt(s.hour, t.Hour()) && containsInt(s.minute, t.Minute()) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}

// dayMatches implements spec §4.12's day-match union rule: if both
// day-of-month and day-of-week are explicitly constrained, a day matching
// EITHER satisfies; if only one is constrained, that one alone governs.
func (s *cronSchedule) dayMatches(t time.Time) bool {
	domMatch := containsInt(s.dayOfMonth, t.Day())
	dowMatch := containsInt(s.dayOfWeek, int(t.Weekday()))

	switch {
	case s.domExplicit && s.dowExplicit:
		return domMatch || dowMatch
	case s.domExplicit:
		return domMatch
	case s.dowExplicit:
		return dowMatch
	default:
		return true
	}
}

func containsInt(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}
