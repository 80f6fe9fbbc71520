package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CronSpec maps a recurrence and its anchor time to a 5-field cron pattern
// (minute hour day-of-month month day-of-week).
//
// Monthly patterns anchored on day 29-31 inherit cron day-of-month matching:
// months lacking that day are skipped, never clamped to the last day.
//
// One-time messages never reach this resolver; they are armed with a single
// timer built from the full anchor instant.
func CronSpec(r Recurrence, anchor time.Time) (string, error) {
	if err := r.Validate(anchor); err != nil {
		return "", err
	}
	h, m := anchor.Hour(), anchor.Minute()
	switch r.Kind {
	case RecurrenceDaily:
		return fmt.Sprintf("%d %d * * *", m, h), nil
	case RecurrenceWeekly:
		return fmt.Sprintf("%d %d * * %d", m, h, int(anchor.Weekday())), nil
	case RecurrenceMonthly:
		return fmt.Sprintf("%d %d %d * *", m, h, anchor.Day()), nil
	case RecurrenceCustom:
		return fmt.Sprintf("%d %d * * %s", m, h, weekdayField(r.Days)), nil
	default:
		return "", &InvalidRecurrenceError{Reason: "one-time messages have no cron pattern"}
	}
}

// weekdayField renders a sorted, de-duplicated day-of-week list ("1,3,5").
func weekdayField(days []time.Weekday) string {
	seen := map[int]bool{}
	nums := make([]int, 0, len(days))
	for _, d := range days {
		n := int(d)
		if !seen[n] {
			seen[n] = true
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

var weekdayTokens = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday, "0": time.Sunday,
	"monday": time.Monday, "mon": time.Monday, "1": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "2": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday, "3": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "4": time.Thursday,
	"friday": time.Friday, "fri": time.Friday, "5": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday, "6": time.Saturday,
}

// ParseWeekday resolves a weekday token from a custom-recurrence request.
// Accepted forms: full names, three-letter abbreviations, digits 0-6 (Sunday=0).
func ParseWeekday(token string) (time.Weekday, error) {
	d, ok := weekdayTokens[strings.ToLower(strings.TrimSpace(token))]
	if !ok {
		return 0, &InvalidRecurrenceError{Reason: fmt.Sprintf("unrecognized weekday token %q", token)}
	}
	return d, nil
}

// ParseWeekdays resolves a list of weekday tokens, preserving request order.
func ParseWeekdays(tokens []string) ([]time.Weekday, error) {
	if len(tokens) == 0 {
		return nil, &InvalidRecurrenceError{Reason: "custom recurrence requires at least one weekday"}
	}
	out := make([]time.Weekday, 0, len(tokens))
	for _, tok := range tokens {
		d, err := ParseWeekday(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
