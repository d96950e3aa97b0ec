package config

import "slices"

// ConfigDiff describes what changed between two configs. Log level and
// campaign files are applied live; every other changed section is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CampaignChanged is true when the list of campaign files changed.
	CampaignChanged bool

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CampaignChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Campaign.Files, new.Campaign.Files) {
		d.CampaignChanged = true
	}

	o, n := old.Server, new.Server
	if o.ListenAddr != n.ListenAddr || o.WriteTimeout != n.WriteTimeout ||
		o.ShutdownTimeout != n.ShutdownTimeout || !sameTLS(o.TLS, n.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if old.Staging != new.Staging {
		d.RestartRequired = append(d.RestartRequired, "staging")
	}
	if old.Queues != new.Queues {
		d.RestartRequired = append(d.RestartRequired, "queues")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameProviders ignores provider Options, which are opaque.
func sameProviders(a, b ProvidersConfig) bool {
	eq := func(x, y ProviderEntry) bool {
		return x.Name == y.Name && x.APIKey == y.APIKey && x.BaseURL == y.BaseURL && x.Model == y.Model
	}
	return eq(a.LLM, b.LLM) && slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, eq)
}
