package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; call and
// lead settings take effect on the next call.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CallChanged is set when timeouts, capture format or exit phrases changed.
	CallChanged bool

	// LeadChanged is set when the service type, instructions or voice changed.
	LeadChanged    bool
	ServiceChanged bool

	// RestartRequired lists settings that changed but only apply on restart.
	RestartRequired []string
}

// Changed reports whether d carries anything to apply.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CallChanged || d.LeadChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !callEqual(old.Call, new.Call) {
		d.CallChanged = true
	}

	if old.Lead != new.Lead {
		d.LeadChanged = true
		d.ServiceChanged = old.Lead.Service() != new.Lead.Service()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providerEqual(old.Providers.S2S, new.Providers.S2S) ||
		!slices.EqualFunc(old.Providers.S2SFallbacks, new.Providers.S2SFallbacks, providerEqual) ||
		!providerEqual(old.Providers.Audio, new.Providers.Audio) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Chatlog.WebhookURL != new.Chatlog.WebhookURL ||
		old.Chatlog.RequirementsWebhookURL != new.Chatlog.RequirementsWebhookURL ||
		old.Chatlog.QueueSize != new.Chatlog.QueueSize {
		d.RestartRequired = append(d.RestartRequired, "chatlog")
	}

	return d
}

func callEqual(a, b CallConfig) bool {
	if (a.ExitPhrases == nil) != (b.ExitPhrases == nil) || !slices.Equal(a.ExitPhrases, b.ExitPhrases) {
		return false
	}
	return a.SampleRate == b.SampleRate &&
		a.FrameSize == b.FrameSize &&
		a.ConnectTimeout == b.ConnectTimeout &&
		a.IdleTimeout == b.IdleTimeout &&
		a.MaxDuration == b.MaxDuration
}

// providerEqual ignores Options; option edits are reported as unchanged.
func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
