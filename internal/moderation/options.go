package moderation

// Options are the user-tunable settings persisted alongside the
// moderation data. Zero values are replaced by defaults on load.
type Options struct {
	// CheckIntervalMinutes is how often the expiration scheduler ticks,
	// clamped to [1, 10].
	CheckIntervalMinutes int `json:"checkIntervalMinutes"`

	// NotificationsEnabled gates user-visible notifications.
	NotificationsEnabled bool `json:"notificationsEnabled"`

	// BadgeEnabled gates the tracked-entry badge count.
	BadgeEnabled bool `json:"badgeEnabled"`

	// ContextRetentionDays is how long guessed post contexts are kept.
	// Zero means contexts never expire.
	ContextRetentionDays int `json:"contextRetentionDays"`
}

// DefaultOptions returns the settings used before the user changes anything.
func DefaultOptions() Options {
	return Options{
		CheckIntervalMinutes: 1,
		NotificationsEnabled: true,
		BadgeEnabled:         true,
		ContextRetentionDays: 0,
	}
}

// Normalize clamps out-of-range values in place and returns the options.
func (o Options) Normalize() Options {
	if o.CheckIntervalMinutes < 1 {
		o.CheckIntervalMinutes = 1
	}
	if o.CheckIntervalMinutes > 10 {
		o.CheckIntervalMinutes = 10
	}
	if o.ContextRetentionDays < 0 {
		o.ContextRetentionDays = 0
	}
	return o
}
