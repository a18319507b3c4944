package candles

import (
	"testing"
	"time"
)

func TestBucketStart(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 34, 56, 789, time.UTC)

	cases := []struct {
		timeframe string
		want      time.Time
	}{
		{"1m", time.Date(2024, 6, 1, 12, 34, 0, 0, time.UTC)},
		{"5m", time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)},
		{"15m", time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)},
		{"1h", time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		{"4h", time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		{"1d", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		interval, ok := Interval(tc.timeframe)
		if !ok {
			t.Fatalf("unknown timeframe %q", tc.timeframe)
		}
		if got := BucketStart(ts, interval); !got.Equal(tc.want) {
			t.Fatalf("%s bucket = %v, want %v", tc.timeframe, got, tc.want)
		}
	}
}

func TestBucketStartNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	local := time.Date(2024, 6, 1, 17, 0, 30, 0, loc)
	got := BucketStart(local, time.Minute)
	want := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("bucket = %v, want %v", got, want)
	}
}

func TestSameBucket(t *testing.T) {
	a := time.Date(2024, 6, 1, 12, 0, 1, 0, time.UTC)
	b := time.Date(2024, 6, 1, 12, 0, 59, 0, time.UTC)
	c := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)

	if !SameBucket(a, b, time.Minute) {
		t.Fatalf("a and b should share a 1m bucket")
	}
	if SameBucket(a, c, time.Minute) {
		t.Fatalf("a and c should not share a 1m bucket")
	}
	if !SameBucket(a, c, time.Hour) {
		t.Fatalf("a and c should share a 1h bucket")
	}
}

func TestIntervalUnknown(t *testing.T) {
	if _, ok := Interval("7m"); ok {
		t.Fatalf("unknown timeframe accepted")
	}
}
