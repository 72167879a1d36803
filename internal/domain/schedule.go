package domain

import "time"

const day = 24 * time.Hour

// Offsets from firstSeenOverdueAt for the reminder that follows the given
// number of already-sent reminders: 0 sent -> day 3, 1 -> day 7, 2 -> day 14.
var reminderOffsets = map[int]time.Duration{
	0: 3 * day,
	1: 7 * day,
	2: 14 * day,
}

// NextReminderDue computes when the next reminder is due for an invoice
// first seen overdue at firstOverdue, after remindersSent reminders have
// gone out. Returns nil once the schedule is exhausted. The result is
// clamped so it never lands in the past: an invoice that becomes overdue
// with an old due date is scheduled immediately, not retroactively.
func NextReminderDue(firstOverdue time.Time, remindersSent int, now time.Time) *time.Time {
	offset, ok := reminderOffsets[remindersSent]
	if !ok {
		return nil
	}
	due := firstOverdue.Add(offset)
	if due.Before(now) {
		due = now
	}
	return &due
}
