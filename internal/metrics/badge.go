package metrics

// GaugeBadge publishes the tracked-entry badge count through the
// TrackedEntries gauge. Clearing sets it to zero, matching a blank badge.
type GaugeBadge struct{}

func (GaugeBadge) Set(count int) {
	TrackedEntries.Set(float64(count))
}

func (GaugeBadge) Clear() {
	TrackedEntries.Set(0)
}
