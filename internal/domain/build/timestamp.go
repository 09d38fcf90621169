package build

// UnknownTimestamp marks a commit whose time is not known.
const UnknownTimestamp int64 = -1

const (
	secondsRangeLow  int64 = 999_999_999
	secondsRangeHigh int64 = 999_999_999_999
)

// NormalizeTimestamp converts a raw commit timestamp to epoch milliseconds.
// Values strictly between 999,999,999 and 999,999,999,999 are taken to be
// seconds and rescaled. Everything else, including -1, is returned unchanged.
func NormalizeTimestamp(raw int64) int64 {
	if raw > secondsRangeLow && raw < secondsRangeHigh {
		return raw * 1000
	}
	return raw
}

// ValidTimestamp reports whether a normalized timestamp can take part in
// "latest" comparisons.
func ValidTimestamp(ts int64) bool {
	return ts >= 0
}
