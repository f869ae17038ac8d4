package payouts

import (
	"time"

	"github.com/google/uuid"
)

const weekKeyLayout = "2006-01-02"

// WeekStartUTC returns Monday 00:00 UTC of the week containing t.
func WeekStartUTC(t time.Time) time.Time {
	t = t.UTC()
	back := (int(t.Weekday()) + 6) % 7
	day := t.AddDate(0, 0, -back)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}

// BatchKey is the per-store, per-week uniqueness key of a payout request.
func BatchKey(storeID uuid.UUID, weekStart time.Time) string {
	return storeID.String() + ":" + weekStart.UTC().Format(weekKeyLayout)
}
