package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextCollectionTime(t *testing.T) {
	from := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		freq CollectionFrequency
		want time.Time
	}{
		{"real_time", FrequencyRealTime, from.Add(1 * time.Minute)},
		{"hourly", FrequencyHourly, from.Add(1 * time.Hour)},
		{"daily", FrequencyDaily, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)},
		{"weekly", FrequencyWeekly, from.Add(7 * 24 * time.Hour)},
		{"monthly", FrequencyMonthly, time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)},
		{"on_demand falls back to daily", FrequencyOnDemand, from.Add(24 * time.Hour)},
		{"unknown falls back to daily", CollectionFrequency("fortnightly"), from.Add(24 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextCollectionTime(tt.freq, from)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(from), "next run must be strictly after the anchor")
		})
	}
}

func TestNextCollectionTimeMonthlyEndOfMonth(t *testing.T) {
	from := time.Date(2024, 1, 31, 8, 0, 0, 0, time.UTC)
	got := NextCollectionTime(FrequencyMonthly, from)
	assert.True(t, got.After(from))
}
