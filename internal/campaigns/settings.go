package campaigns

import (
	"time"

	"outreach-platform/internal/config"
	"outreach-platform/internal/dialer"
)

// Settings are the typed campaign defaults, built once from config.
type Settings struct {
	Dial     dialer.Policy
	Deadline time.Duration

	CallMaxAttempts int
	SMSMaxAttempts  int
	SMSEnabled      bool

	TTSEnabled     bool
	TTSMaxAttempts int
	TTSHold        time.Duration
	TTSRecheck     time.Duration

	// Message defaults for fields the directory leaves empty.
	Voice    string
	Speed    float64
	Provider string
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Dial: dialer.Policy{
			RetryDelay:           cfg.Call.RetryDelay(),
			MaxSecondaryAttempts: cfg.Call.MaxSecondaryAttempts,
			UniversalRetry:       cfg.Call.UniversalRetry,
			UniversalRetryDelay:  cfg.Call.UniversalRetryDelay,
			MaxCycles:            cfg.Call.MaxCycles,
		},
		Deadline:        cfg.Call.CampaignDeadline,
		CallMaxAttempts: cfg.Call.MaxAttempts,
		SMSMaxAttempts:  cfg.SMS.MaxAttempts,
		SMSEnabled:      cfg.SMS.Enabled,
		TTSEnabled:      cfg.TTS.Enabled,
		TTSMaxAttempts:  cfg.TTS.MaxAttempts,
		TTSHold:         cfg.TTS.Hold,
		TTSRecheck:      cfg.TTS.Recheck,
		Voice:           cfg.TTS.Voice,
		Speed:           cfg.TTS.Speed,
		Provider:        cfg.TTS.Provider,
	}
}

func (s Settings) withDefaults() Settings {
	out := s
	if out.CallMaxAttempts <= 0 {
		out.CallMaxAttempts = 3
	}
	if out.SMSMaxAttempts <= 0 {
		out.SMSMaxAttempts = 3
	}
	if out.TTSMaxAttempts <= 0 {
		out.TTSMaxAttempts = 3
	}
	if out.TTSHold <= 0 {
		out.TTSHold = 2 * time.Minute
	}
	if out.TTSRecheck <= 0 {
		out.TTSRecheck = 5 * time.Second
	}
	if out.TTSRecheck > out.TTSHold {
		out.TTSRecheck = out.TTSHold
	}
	if out.Speed <= 0 {
		out.Speed = 1.0
	}
	return out
}

func (s Settings) message(m Message) Message {
	if m.Voice == "" {
		m.Voice = s.Voice
	}
	if m.Speed <= 0 {
		m.Speed = s.Speed
	}
	if m.Provider == "" {
		m.Provider = s.Provider
	}
	return m
}
