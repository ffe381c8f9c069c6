package dispatch

import (
	"strings"
	"time"

	"outreach-platform/internal/config"
	"outreach-platform/internal/jobs"
)

// Settings are the processor knobs, built once from config.
type Settings struct {
	From          string
	RingTimeout   time.Duration
	ResultTimeout time.Duration
	Lease         time.Duration

	AckDigits   []string
	AckKeywords []string

	Backoff    jobs.Backoff
	TTSRecheck time.Duration

	// CapRetry is how long a call waits when the live-call cap is full.
	CapRetry time.Duration
	// CorrelateRetry spaces re-checks of a callback whose job is unknown.
	CorrelateRetry time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		From:          cfg.Twilio.FromNumber,
		RingTimeout:   cfg.Call.RingTimeout,
		ResultTimeout: cfg.Call.ResultTimeout,
		Lease:         cfg.Workers.Lease,
		AckDigits:     cfg.Call.AckDigits,
		AckKeywords:   cfg.SMS.AckKeywords,
		Backoff: jobs.Backoff{
			Base:   cfg.Workers.BackoffBase,
			Max:    cfg.Workers.BackoffMax,
			Jitter: cfg.Workers.BackoffJitter,
		},
		TTSRecheck: cfg.TTS.Recheck,
	}
}

func (s Settings) withDefaults() Settings {
	out := s
	if out.RingTimeout <= 0 {
		out.RingTimeout = 30 * time.Second
	}
	if out.ResultTimeout <= 0 {
		out.ResultTimeout = 10 * time.Minute
	}
	if out.Lease <= 0 {
		out.Lease = 2 * time.Minute
	}
	if len(out.AckDigits) == 0 {
		out.AckDigits = []string{"1"}
	}
	if out.TTSRecheck <= 0 {
		out.TTSRecheck = 5 * time.Second
	}
	if out.CapRetry <= 0 {
		out.CapRetry = 10 * time.Second
	}
	if out.CorrelateRetry <= 0 {
		out.CorrelateRetry = 5 * time.Second
	}
	return out
}

func (s Settings) ackDigit(d string) bool {
	d = strings.TrimSpace(d)
	for _, a := range s.AckDigits {
		if d != "" && d == strings.TrimSpace(a) {
			return true
		}
	}
	return false
}

func (s Settings) ackKeyword(body string) bool {
	body = strings.ToLower(strings.Trim(strings.TrimSpace(body), ".!"))
	for _, k := range s.AckKeywords {
		if body != "" && body == strings.ToLower(strings.TrimSpace(k)) {
			return true
		}
	}
	return false
}
