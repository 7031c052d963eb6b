package model

import (
	"testing"
	"time"
)

func TestAlignCandleTime(t *testing.T) {
	at := func(hour, min, sec int) time.Time {
		return time.Date(2023, 5, 1, hour, min, sec, 0, time.UTC)
	}

	cases := []struct {
		name      string
		timeframe int
		in        time.Time
		want      time.Time
	}{
		{"1m truncates seconds", 1, at(12, 7, 30), at(12, 7, 0)},
		{"3m aligns within hour", 3, at(12, 8, 10), at(12, 6, 0)},
		{"5m aligns within hour", 5, at(12, 7, 45), at(12, 5, 0)},
		{"5m on boundary stays", 5, at(12, 5, 0), at(12, 5, 0)},
		{"15m aligns within hour", 15, at(12, 14, 59), at(12, 0, 0)},
		{"60m aligns to hour", 60, at(12, 47, 3), at(12, 0, 0)},
		// Timeframes not dividing the hour only truncate to the minute, so
		// opens drift off clean multiples; kept for series-file compatibility.
		{"7m truncates to minute", 7, at(12, 8, 10), at(12, 8, 0)},
		{"7m near hour boundary", 7, at(12, 59, 59), at(12, 59, 0)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := AlignCandleTime(c.in, c.timeframe); !got.Equal(c.want) {
				t.Fatalf("AlignCandleTime(%v, %d) = %v, want %v", c.in, c.timeframe, got, c.want)
			}
		})
	}
}
