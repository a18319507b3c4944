package candles

import (
	"time"

	appconfig "marketfeed/config"
)

// Interval resolves a timeframe label to its bucket duration.
func Interval(timeframe string) (time.Duration, bool) {
	d, ok := appconfig.ValidTimeframes[timeframe]
	return d, ok
}

// BucketStart floors a timestamp to the start of its bucket:
// floor(ts/interval)*interval, anchored at the Unix epoch in UTC.
func BucketStart(ts time.Time, interval time.Duration) time.Time {
	return ts.UTC().Truncate(interval)
}

// SameBucket reports whether two timestamps fall into the same bucket for
// the given interval.
func SameBucket(a, b time.Time, interval time.Duration) bool {
	return BucketStart(a, interval).Equal(BucketStart(b, interval))
}
