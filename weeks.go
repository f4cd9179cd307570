package weekcount

import "time"

const secondsPerWeek = 7 * 24 * 60 * 60

var (
	// Epoch is week zero: 2024-01-01T00:00:00Z.
	Epoch = time.Unix(1704067200, 0).UTC()

	// MaxDate is the latest instant DateFromWeeks returns. It is the last
	// second a four digit RFC 3339 year can express.
	MaxDate = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
)

// DateFromWeeks returns Epoch plus weeks whole weeks. Offsets that would pass
// MaxDate saturate to MaxDate.
func DateFromWeeks(weeks uint64) time.Time {
	maxWeeks := uint64(MaxDate.Unix()-Epoch.Unix()) / secondsPerWeek
	if weeks > maxWeeks {
		return MaxDate
	}
	return time.Unix(Epoch.Unix()+int64(weeks)*secondsPerWeek, 0).UTC()
}
