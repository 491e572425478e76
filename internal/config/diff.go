package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; backend and
// provider changes require a restart and are ignored here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// MatchChanged is true when any cascade threshold or the cost budget
	// changed. New thresholds apply from the next turn.
	MatchChanged bool

	// NegotiationChanged is true when max rounds or the stagnation epsilon
	// changed.
	NegotiationChanged bool

	// LearningToggled is true when learning was switched on or off.
	LearningToggled bool
	LearningEnabled bool
}

// Empty reports whether no hot-reloadable field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.MatchChanged && !d.NegotiationChanged && !d.LearningToggled
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Match != new.Match {
		d.MatchChanged = true
	}
	if old.Negotiation != new.Negotiation {
		d.NegotiationChanged = true
	}
	if old.Learning.Enabled != new.Learning.Enabled {
		d.LearningToggled = true
		d.LearningEnabled = new.Learning.Enabled
	}
	return d
}
