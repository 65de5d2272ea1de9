package db

import "time"

// NextCollectionTime maps a collection frequency to the next run time anchored
// at from. Unknown and on_demand frequencies fall back to daily so an
// integration is never rescheduled into a tight loop.
func NextCollectionTime(freq CollectionFrequency, from time.Time) time.Time {
	switch freq {
	case FrequencyRealTime:
		return from.Add(1 * time.Minute)
	case FrequencyHourly:
		return from.Add(1 * time.Hour)
	case FrequencyDaily:
		return from.Add(24 * time.Hour)
	case FrequencyWeekly:
		return from.Add(7 * 24 * time.Hour)
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0)
	default:
		return from.Add(24 * time.Hour)
	}
}
