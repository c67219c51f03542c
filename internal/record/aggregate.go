package record

import "time"

// DailySummary aggregates one subject's events for one calendar day. It is
// derived on demand and never persisted.
type DailySummary struct {
	SubjectID     string
	DateKey       string
	FeedAmount    float64
	DrinkAmount   float64
	UrinateCount  int
	DefecateCount int
	// SleepSessions counts transitions into sleep; wake events only drive
	// pairing and are excluded from the sums.
	SleepSessions int
	SleepMinutes  int64
}

// DateKeyFor returns the zero-padded YYYY-MM-DD key for a timestamp, in UTC.
func DateKeyFor(occurredAtMillis int64) string {
	return time.UnixMilli(occurredAtMillis).UTC().Format("2006-01-02")
}

// AggregateDaily sums the events that fall on dateKey. It is a pure
// function, and associative over event-list concatenation: aggregating the
// concatenation of two lists equals field-wise summing their aggregates.
func AggregateDaily(events []ActivityEvent, dateKey string) DailySummary {
	summary := DailySummary{DateKey: dateKey}
	for _, event := range events {
		if DateKeyFor(event.OccurredAtMillis) != dateKey {
			continue
		}
		if summary.SubjectID == "" {
			summary.SubjectID = event.SubjectID
		}
		switch event.Kind {
		case KindFeed:
			summary.FeedAmount += event.Amount
		case KindDrink:
			summary.DrinkAmount += event.Amount
		case KindUrinate:
			summary.UrinateCount++
		case KindDefecate:
			summary.DefecateCount++
		case KindSleepStart:
			summary.SleepSessions++
			summary.SleepMinutes += event.DurationMinutes
		}
	}
	return summary
}
