package safeftp

// ProgressFunc is called after each chunk written to the data channel with
// the bytes sent so far and the size of the whole payload.
type ProgressFunc func(sent, total int64)

// progressPercent is used in debug logs only.
func progressPercent(sent, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(sent) / float64(total) * 100
}
