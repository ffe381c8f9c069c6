package campaigns

import (
	"fmt"
	"time"

	"outreach-platform/internal/dialer"
	"outreach-platform/internal/jobs"
)

// DialKey identifies the call job of one dial. A transition replayed after a
// conflict produces the same key, so the follow-up is enqueued once.
func DialKey(runID, contactID string, seq int) string {
	return fmt.Sprintf("call:%s:%s:%d", runID, contactID, seq)
}

// DialJob builds the call job for a Dial effect.
func DialJob(run Run, a dialer.Attempt, e dialer.Effect, now time.Time) jobs.Job {
	p := jobs.Payload{
		RunID:     run.ID,
		ContactID: a.ContactID,
		MessageID: run.MessageID,
		PhoneID:   e.Number.PhoneID,
		Phone:     e.Number.Number,
		Seq:       e.Seq,
		Leg:       e.Leg,
		Text:      run.Message.Text,
		Voice:     run.Message.Voice,
		Speed:     run.Message.Speed,
		Provider:  run.Message.Provider,
	}
	if run.AudioFingerprint != "" {
		p.Fingerprint = run.AudioFingerprint
		if run.TTSHoldUntil != nil {
			h := *run.TTSHoldUntil
			p.HoldUntil = &h
		}
	}
	return jobs.Job{
		Kind:        jobs.KindCall,
		Payload:     p,
		MaxAttempts: run.Policy.CallMaxAttempts,
		CreatedAt:   now.UTC(),
		AvailableAt: now.Add(e.Delay).UTC(),
		DedupeKey:   DialKey(run.ID, a.ContactID, e.Seq),
	}
}

// FirstDial is the Dial effect for a fresh attempt.
func FirstDial(a dialer.Attempt) (dialer.Effect, bool) {
	n, ok := a.CurrentNumber()
	if !ok || a.State.Terminal() {
		return dialer.Effect{}, false
	}
	return dialer.Effect{Type: dialer.EffectDial, Seq: a.Seq, Leg: a.Leg, Number: n}, true
}

// SMSJob sends the run message to the contact's primary number.
func SMSJob(run Run, a dialer.Attempt, now time.Time) (jobs.Job, bool) {
	if len(a.Numbers) == 0 {
		return jobs.Job{}, false
	}
	n := a.Numbers[0]
	return jobs.Job{
		Kind: jobs.KindSMS,
		Payload: jobs.Payload{
			RunID:     run.ID,
			ContactID: a.ContactID,
			MessageID: run.MessageID,
			PhoneID:   n.PhoneID,
			Phone:     n.Number,
			Text:      run.Message.Text,
		},
		MaxAttempts: run.Policy.SMSMaxAttempts,
		CreatedAt:   now.UTC(),
		AvailableAt: now.UTC(),
		DedupeKey:   fmt.Sprintf("sms:%s:%s", run.ID, a.ContactID),
	}, true
}

// TTSJob pre-generates the run audio. Concurrent runs sharing a fingerprint
// collapse onto one open job.
func TTSJob(run Run, maxAttempts int, now time.Time) jobs.Job {
	return jobs.Job{
		Kind: jobs.KindTTS,
		Payload: jobs.Payload{
			RunID:       run.ID,
			MessageID:   run.MessageID,
			Text:        run.Message.Text,
			Voice:       run.Message.Voice,
			Speed:       run.Message.Speed,
			Provider:    run.Message.Provider,
			Fingerprint: run.AudioFingerprint,
		},
		MaxAttempts: maxAttempts,
		CreatedAt:   now.UTC(),
		AvailableAt: now.UTC(),
		DedupeKey:   "tts:" + run.AudioFingerprint,
	}
}
