package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// lands in RequiresRestart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LimitsChanged is true when any quota field changed; new sessions pick
	// up NewLimits, running sessions keep the limits they started with.
	LimitsChanged bool
	NewLimits     LimitsConfig

	AbuseChanged bool
	NewAbuse     AbuseConfig

	SafetyChanged bool
	NewSafety     SafetyConfig

	// RequiresRestart names config sections that changed but only apply on
	// process restart (providers, storage, server listener, maintenance).
	RequiresRestart []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Limits != new.Limits {
		d.LimitsChanged = true
		d.NewLimits = new.Limits
	}

	if old.Abuse != new.Abuse {
		d.AbuseChanged = true
		d.NewAbuse = new.Abuse
	}

	if old.Safety != new.Safety {
		d.SafetyChanged = true
		d.NewSafety = new.Safety
	}

	if !providersEqual(old.Providers, new.Providers) {
		d.RequiresRestart = append(d.RequiresRestart, "providers")
	}
	if old.Storage != new.Storage {
		d.RequiresRestart = append(d.RequiresRestart, "storage")
	}
	if !serverEqual(old.Server, new.Server) {
		d.RequiresRestart = append(d.RequiresRestart, "server")
	}
	if old.Maintenance != new.Maintenance {
		d.RequiresRestart = append(d.RequiresRestart, "maintenance")
	}

	return d
}

func providersEqual(old, new ProvidersConfig) bool {
	return entryEqual(old.LLM, new.LLM) &&
		entryEqual(old.STT, new.STT) &&
		entryEqual(old.TTS, new.TTS) &&
		entryEqual(old.Embeddings, new.Embeddings)
}

// entryEqual compares provider entries. Options is a free-form map, so it
// needs a deep comparison.
func entryEqual(old, new ProviderEntry) bool {
	if old.Name != new.Name || old.APIKey != new.APIKey || old.GroupID != new.GroupID ||
		old.BaseURL != new.BaseURL || old.Model != new.Model {
		return false
	}
	return reflect.DeepEqual(old.Options, new.Options)
}

// serverEqual compares server configs ignoring the hot-reloadable log level.
func serverEqual(old, new ServerConfig) bool {
	if old.ListenAddr != new.ListenAddr || old.LogFormat != new.LogFormat {
		return false
	}
	if (old.TLS == nil) != (new.TLS == nil) {
		return false
	}
	if old.TLS != nil && *old.TLS != *new.TLS {
		return false
	}
	return true
}
