package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/dialer"
	"outreach-platform/internal/events"
	"outreach-platform/internal/jobs"
	"outreach-platform/internal/speech"
	"outreach-platform/internal/telephony"
	"outreach-platform/pkg/logger"
)

// Runs is the campaign surface the workers need.
type Runs interface {
	Run(ctx context.Context, runID string) (campaigns.Run, error)
	CompleteIfDone(ctx context.Context, runID string) (bool, error)
}

// Speech is the TTS pipeline surface the workers need.
type Speech interface {
	Ensure(ctx context.Context, req speech.Request) (speech.Asset, error)
	Lookup(ctx context.Context, fingerprint string) (speech.Asset, error)
	MarkFailed(ctx context.Context, fingerprint, reason string) error
	Touch(ctx context.Context, fingerprint string) error
}

type Deps struct {
	Jobs     jobs.Store
	Attempts dialer.Store
	Runs     Runs
	Gateway  telephony.Gateway
	URLs     telephony.URLs
	Speech   Speech

	// Cap is optional; nil means no live-call limit.
	Cap Cap

	Events   events.Publisher
	Settings Settings
	Log      *slog.Logger
}

// Processor executes claimed jobs of every kind. Contact state only changes
// through dialer.Transition followed by a versioned save.
type Processor struct {
	jobs     jobs.Store
	attempts dialer.Store
	runs     Runs
	gateway  telephony.Gateway
	urls     telephony.URLs
	speech   Speech
	cap      Cap
	events   events.Publisher
	settings Settings
	log      *slog.Logger
	now      func() time.Time
}

const conflictRetries = 3

var (
	errNotCorrelated = errors.New("dispatch: callback not correlated to a job")
	errLeaseExpired  = errors.New("lease expired before the job finished")
	errReplayPending = errors.New("dispatch: call job still in flight")
)

func NewProcessor(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	pub := d.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Processor{
		jobs:     d.Jobs,
		attempts: d.Attempts,
		runs:     d.Runs,
		gateway:  d.Gateway,
		urls:     d.URLs,
		speech:   d.Speech,
		cap:      d.Cap,
		events:   pub,
		settings: d.Settings.withDefaults(),
		log:      log,
		now:      time.Now,
	}
}

// Handler returns the handler for kind.
func (p *Processor) Handler(kind jobs.Kind) Handler {
	switch kind {
	case jobs.KindCall:
		return HandlerFunc(p.handleCall)
	case jobs.KindSMS:
		return HandlerFunc(p.handleSMS)
	case jobs.KindTTS:
		return HandlerFunc(p.handleTTS)
	case jobs.KindCallback:
		return HandlerFunc(p.handleCallback)
	default:
		return HandlerFunc(func(ctx context.Context, j jobs.Job, _ *rand.Rand) error {
			return p.deadLetter(ctx, j, fmt.Sprintf("unknown job kind %q", j.Kind))
		})
	}
}

func (p *Processor) handleCall(ctx context.Context, j jobs.Job, rng *rand.Rand) error {
	ctx, log := logger.WithAttrs(ctx, "run_id", j.Payload.RunID, "contact_id", j.Payload.ContactID, "seq", j.Payload.Seq)
	now := p.now().UTC()

	run, a, err := p.load(ctx, j)
	if err != nil {
		return p.loadFailed(ctx, j, err, rng)
	}

	// A requeued job is placed again even though the contact moved on; its
	// outcome then lands on the job only.
	live := !a.State.Terminal() && a.Seq == j.Payload.Seq
	if !live && j.Requeues == 0 {
		_, err := p.finish(ctx, j, jobs.Completion{
			Status:    jobs.StatusFailed,
			Outcome:   jobs.OutcomeSuperseded,
			LastError: "contact attempt moved on",
		})
		if err != nil {
			return err
		}
		p.maybeComplete(ctx, run.ID)
		return nil
	}

	mode, wait, err := p.audioMode(ctx, j, run, now)
	if err != nil {
		return p.fail(ctx, j, err, rng)
	}
	if wait > 0 {
		log.Debug("call held for audio", "fingerprint", j.Payload.Fingerprint, "wait", wait)
		return p.deferJob(ctx, j, now.Add(wait))
	}

	if live {
		d, err := p.advance(ctx, run.ID, a.ContactID, dialer.Event{Type: dialer.EventPicked, Seq: j.Payload.Seq})
		if err != nil {
			return p.fail(ctx, j, err, rng)
		}
		if !d.Applied {
			_, err := p.finish(ctx, j, jobs.Completion{Status: jobs.StatusFailed, Outcome: jobs.OutcomeSuperseded, LastError: d.Ignored})
			return err
		}
		if d.Next.State.Terminal() {
			return p.halt(ctx, j, d.Next.Reason)
		}
	}

	if p.cap != nil {
		ok, err := p.cap.Acquire(ctx)
		if err != nil {
			log.Warn("live call cap unavailable", "err", err)
		}
		if err != nil || !ok {
			return p.deferJob(ctx, j, now.Add(p.settings.CapRetry))
		}
	}

	extID, err := p.gateway.PlaceCall(ctx, telephony.CallRequest{
		To:          j.Payload.Phone,
		From:        p.settings.From,
		AnswerURL:   p.urls.Answer(j.ID, mode),
		StatusURL:   p.urls.CallStatus(j.ID),
		RingTimeout: p.settings.RingTimeout,
	})
	if err != nil {
		p.releaseCap(ctx)
		return p.fail(ctx, j, err, rng)
	}

	err = p.jobs.AttachExternalID(ctx, j.Claim(), extID, now.Add(p.settings.ResultTimeout), p.now())
	switch {
	case errors.Is(err, jobs.ErrStaleClaim):
		// The result callback finished the job first.
		log.Info("call settled before correlation", "external_id", extID)
	case err != nil:
		return fmt.Errorf("dispatch: correlate call %s: %w", extID, err)
	default:
		log.Info("call placed", "external_id", extID, "leg", j.Payload.Leg, "mode", mode)
	}
	return nil
}

// audioMode picks played audio or provider speech. A positive wait means
// the asset is still expected and the call should be held.
func (p *Processor) audioMode(ctx context.Context, j jobs.Job, run campaigns.Run, now time.Time) (string, time.Duration, error) {
	fp := j.Payload.Fingerprint
	if fp == "" || p.speech == nil {
		return telephony.ModeSay, 0, nil
	}

	asset, err := p.speech.Lookup(ctx, fp)
	switch {
	case err == nil && asset.Ready():
		if err := p.speech.Touch(ctx, fp); err != nil {
			logger.From(ctx).Warn("tts touch failed", "fingerprint", fp, "err", err)
		}
		return telephony.ModePlay, 0, nil
	case err == nil && !asset.GeneratedAt.Before(run.CreatedAt):
		// Generation failed for this run.
		return telephony.ModeSay, 0, nil
	case err != nil && !errors.Is(err, speech.ErrNotFound):
		return "", 0, err
	}

	if hold := j.Payload.HoldUntil; hold != nil {
		if now.Before(*hold) {
			wait := p.settings.TTSRecheck
			if left := hold.Sub(now); left < wait {
				wait = left
			}
			return "", wait, nil
		}
		if err := p.speech.MarkFailed(ctx, fp, "audio not ready before hold expired"); err != nil {
			logger.From(ctx).Warn("tts fallback flag failed", "fingerprint", fp, "err", err)
		}
	}
	return telephony.ModeSay, 0, nil
}

func (p *Processor) handleSMS(ctx context.Context, j jobs.Job, rng *rand.Rand) error {
	ctx, log := logger.WithAttrs(ctx, "run_id", j.Payload.RunID, "contact_id", j.Payload.ContactID)

	run, a, err := p.load(ctx, j)
	if err != nil {
		return p.loadFailed(ctx, j, err, rng)
	}
	if run.Cancelled() {
		return p.halt(ctx, j, dialer.ReasonCancelled)
	}
	if a.State == dialer.StateConfirmed && j.Requeues == 0 {
		if _, err := p.finish(ctx, j, jobs.Completion{Status: jobs.StatusFailed, Outcome: jobs.OutcomeSuperseded, LastError: "contact already confirmed"}); err != nil {
			return err
		}
		p.maybeComplete(ctx, run.ID)
		return nil
	}

	extID, err := p.gateway.SendSMS(ctx, telephony.SMSRequest{
		To:        j.Payload.Phone,
		From:      p.settings.From,
		Body:      j.Payload.Text,
		StatusURL: p.urls.SMSStatus(j.ID),
	})
	if err != nil {
		return p.fail(ctx, j, err, rng)
	}

	now := p.now().UTC()
	if err := p.jobs.AttachExternalID(ctx, j.Claim(), extID, now.Add(p.settings.Lease), now); err != nil {
		log.Warn("sms correlation failed", "external_id", extID, "err", err)
	}
	if _, err := p.finish(ctx, j, jobs.Completion{Status: jobs.StatusSucceeded, Outcome: jobs.OutcomeDelivered, CountAttempt: true}); err != nil {
		return err
	}
	log.Info("sms accepted", "external_id", extID)
	p.maybeComplete(ctx, run.ID)
	return nil
}

func (p *Processor) handleTTS(ctx context.Context, j jobs.Job, rng *rand.Rand) error {
	ctx, log := logger.WithAttrs(ctx, "fingerprint", j.Payload.Fingerprint)
	if p.speech == nil {
		return p.deadLetter(ctx, j, "tts pipeline not configured")
	}

	req := speech.Request{
		Text:     j.Payload.Text,
		Voice:    j.Payload.Voice,
		Speed:    j.Payload.Speed,
		Provider: j.Payload.Provider,
	}
	if fp := req.Fingerprint(); j.Payload.Fingerprint != "" && fp != j.Payload.Fingerprint {
		log.Warn("tts fingerprint mismatch", "computed", fp)
	}

	asset, err := p.speech.Ensure(ctx, req)
	if errors.Is(err, speech.ErrNotReady) {
		return p.deferJob(ctx, j, p.now().Add(p.settings.TTSRecheck))
	}
	if err != nil {
		return p.fail(ctx, j, err, rng)
	}
	if _, err := p.finish(ctx, j, jobs.Completion{Status: jobs.StatusSucceeded, Outcome: jobs.OutcomeDelivered, CountAttempt: true}); err != nil {
		return err
	}
	log.Info("tts asset ready", "bytes", asset.SizeBytes)
	p.maybeComplete(ctx, j.Payload.RunID)
	return nil
}

func (p *Processor) handleCallback(ctx context.Context, j jobs.Job, rng *rand.Rand) error {
	cb := j.Payload.Callback
	if cb == nil {
		return p.deadLetter(ctx, j, "callback payload missing")
	}
	ctx, log := logger.WithAttrs(ctx, "event", string(cb.Event), "external_id", cb.ExternalID)

	var err error
	switch cb.Event {
	case jobs.CallbackCallStatus, jobs.CallbackDigits:
		err = p.callResult(ctx, *cb)
	case jobs.CallbackSMSStatus:
		err = p.smsStatus(ctx, *cb)
	case jobs.CallbackSMSReply:
		err = p.smsReply(ctx, *cb)
	case jobs.CallbackReplay:
		err = p.replayCall(ctx, *cb)
	default:
		return p.deadLetter(ctx, j, fmt.Sprintf("unknown callback event %q", cb.Event))
	}

	now := p.now().UTC()
	switch {
	case errors.Is(err, errNotCorrelated):
		// The placing worker may not have attached the external id yet.
		if now.Sub(cb.ReceivedAt) < p.settings.ResultTimeout {
			return p.deferJob(ctx, j, now.Add(p.settings.CorrelateRetry))
		}
		log.Warn("callback never correlated", "job_id", cb.JobID)
		return p.deadLetter(ctx, j, "callback not correlated to a job")
	case errors.Is(err, errReplayPending):
		// The reaper ends the call job eventually.
		return p.deferJob(ctx, j, now.Add(p.settings.CorrelateRetry))
	case err != nil:
		return p.fail(ctx, j, err, rng)
	}
	_, err = p.finish(ctx, j, jobs.Completion{Status: jobs.StatusSucceeded, Outcome: jobs.OutcomeDelivered, CountAttempt: true})
	return err
}

func (p *Processor) correlate(ctx context.Context, cb jobs.Callback) (jobs.Job, error) {
	var (
		j   jobs.Job
		err error
	)
	if cb.JobID != "" {
		j, err = p.jobs.Get(ctx, cb.JobID)
	} else if cb.ExternalID != "" {
		j, err = p.jobs.FindByExternalID(ctx, cb.ExternalID)
	} else {
		return jobs.Job{}, jobs.Permanent(errors.New("callback carries no job or external id"))
	}
	if errors.Is(err, jobs.ErrNotFound) {
		return jobs.Job{}, errNotCorrelated
	}
	return j, err
}

// callResult finalizes the call job from a status or digits callback. Later
// duplicates find the job terminal and only replay its stored outcome.
func (p *Processor) callResult(ctx context.Context, cb jobs.Callback) error {
	log := logger.From(ctx)
	target, err := p.correlate(ctx, cb)
	if err != nil {
		return err
	}
	if target.Kind != jobs.KindCall {
		return jobs.Permanent(fmt.Errorf("call callback for %s job %s", target.Kind, target.ID))
	}
	if cb.ExternalID != "" && target.ExternalID != "" && cb.ExternalID != target.ExternalID {
		log.Info("callback for an earlier placement ignored", "job_id", target.ID)
		return nil
	}
	if target.Status.Terminal() {
		return p.replay(ctx, target)
	}
	if target.Status != jobs.StatusInFlight {
		log.Info("callback for job not in flight ignored", "job_id", target.ID, "status", target.Status)
		return nil
	}

	outcome, reason, final := p.callOutcome(cb)
	if !final {
		return nil
	}

	done, err := p.jobs.Complete(ctx, target.Claim(), jobs.Completion{
		Status:       jobs.StatusSucceeded,
		Outcome:      outcome,
		LastError:    reason,
		CountAttempt: true,
	}, p.now().UTC())
	if errors.Is(err, jobs.ErrStaleClaim) {
		// A concurrent callback won; replay whatever it recorded.
		if done, err = p.jobs.Get(ctx, target.ID); err != nil {
			return err
		}
		if !done.Status.Terminal() {
			return fmt.Errorf("dispatch: call job %s changed owner", target.ID)
		}
		return p.replay(ctx, done)
	}
	if err != nil {
		return err
	}
	p.releaseCap(ctx)
	log.Info("call finished", "job_id", done.ID, "outcome", done.Outcome)
	return p.replay(ctx, done)
}

func (p *Processor) callOutcome(cb jobs.Callback) (jobs.Outcome, string, bool) {
	if cb.Event == jobs.CallbackDigits {
		if p.settings.ackDigit(cb.Digits) {
			return jobs.OutcomeConfirmed, "", true
		}
		return jobs.OutcomeNotConfirmed, "unrecognized input " + cb.Digits, true
	}
	switch telephony.CallStatus(cb.Status) {
	case telephony.CallStatusCompleted:
		return jobs.OutcomeNotConfirmed, "answered without acknowledgement", true
	case telephony.CallStatusNoAnswer:
		return jobs.OutcomeNoAnswer, "no-answer", true
	case telephony.CallStatusBusy:
		return jobs.OutcomeBusy, "busy", true
	case telephony.CallStatusFailed, telephony.CallStatusCanceled:
		return jobs.OutcomeCallFailed, "call " + cb.Status, true
	default:
		return jobs.OutcomeNone, "", false
	}
}

func (p *Processor) smsStatus(ctx context.Context, cb jobs.Callback) error {
	log := logger.From(ctx)
	target, err := p.correlate(ctx, cb)
	if errors.Is(err, errNotCorrelated) {
		log.Info("sms status for unknown message", "status", cb.Status)
		return nil
	}
	if err != nil {
		return err
	}
	switch telephony.MessageStatus(cb.Status) {
	case telephony.MessageStatusFailed, telephony.MessageStatusUndelivered:
		log.Warn("sms not delivered", "job_id", target.ID, "contact_id", target.Payload.ContactID, "status", cb.Status)
	default:
		log.Debug("sms status", "job_id", target.ID, "status", cb.Status)
	}
	return nil
}

// smsReply confirms every open attempt reachable at the sender's number
// when the body is an acknowledgement keyword.
func (p *Processor) smsReply(ctx context.Context, cb jobs.Callback) error {
	log := logger.From(ctx)
	if !p.settings.ackKeyword(cb.Body) {
		log.Info("sms reply ignored", "from", cb.From)
		return nil
	}
	open, err := p.attempts.FindOpenByPhone(ctx, cb.From)
	if err != nil {
		return err
	}
	for _, a := range open {
		d, err := p.advance(ctx, a.RunID, a.ContactID, dialer.Event{Type: dialer.EventAcknowledged})
		if err != nil {
			return err
		}
		if d.Next.State.Terminal() {
			p.maybeComplete(ctx, a.RunID)
		}
	}
	log.Info("sms acknowledgement", "from", cb.From, "attempts", len(open))
	return nil
}

// replay feeds a finalized call job's outcome into the contact machine.
// Outcomes already applied are ignored by Transition.
func (p *Processor) replay(ctx context.Context, j jobs.Job) error {
	ev, ok := dialer.EventFromOutcome(j.Payload.Seq, j.Outcome, j.LastError)
	if !ok || j.Payload.RunID == "" {
		return nil
	}
	d, err := p.advance(ctx, j.Payload.RunID, j.Payload.ContactID, ev)
	if errors.Is(err, dialer.ErrNotFound) || errors.Is(err, campaigns.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.Next.State.Terminal() {
		p.maybeComplete(ctx, j.Payload.RunID)
	}
	return nil
}

// replayCall re-applies the stored outcome of the call job cb names.
func (p *Processor) replayCall(ctx context.Context, cb jobs.Callback) error {
	target, err := p.jobs.Get(ctx, cb.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		return jobs.Permanent(fmt.Errorf("replay for unknown job %q", cb.JobID))
	}
	if err != nil {
		return err
	}
	switch {
	case target.Status.Terminal():
		return p.replay(ctx, target)
	case target.Status == jobs.StatusInFlight:
		return errReplayPending
	default:
		// Requeued; its next terminal write queues a fresh replay.
		logger.From(ctx).Info("replay for queued job skipped", "job_id", target.ID)
		return nil
	}
}

// guardReplay queues the replay of a call job about to be dead-lettered.
// The inline replay normally wins and this one finds nothing to apply.
func (p *Processor) guardReplay(ctx context.Context, j jobs.Job) error {
	if j.Kind != jobs.KindCall || j.Payload.RunID == "" {
		return nil
	}
	now := p.now().UTC()
	cb := jobs.Callback{Event: jobs.CallbackReplay, JobID: j.ID, ReceivedAt: now}
	if _, err := p.jobs.Enqueue(ctx, telephony.CallbackJob(cb, 0, now.Add(p.settings.CorrelateRetry))); err != nil {
		return fmt.Errorf("dispatch: queue replay for job %s: %w", j.ID, err)
	}
	return nil
}

// advance applies ev with optimistic concurrency. Follow-up dials are stored
// in the same save; their dedupe keys make a replayed save harmless.
func (p *Processor) advance(ctx context.Context, runID, contactID string, ev dialer.Event) (dialer.Decision, error) {
	for i := 0; i < conflictRetries; i++ {
		run, err := p.runs.Run(ctx, runID)
		if err != nil {
			return dialer.Decision{}, err
		}
		a, err := p.attempts.Get(ctx, runID, contactID)
		if err != nil {
			return dialer.Decision{}, err
		}

		now := p.now().UTC()
		d := dialer.Transition(a, ev, run.DialPolicy(), now)
		if !d.Applied || (len(d.Path) == 0 && len(d.Effects) == 0) {
			return d, nil
		}

		var follow []jobs.Job
		for _, e := range d.Effects {
			if e.Type == dialer.EffectDial {
				follow = append(follow, campaigns.DialJob(run, d.Next, e, now))
			}
		}
		saved, err := p.attempts.Save(ctx, d.Next, a.Version, follow)
		if errors.Is(err, dialer.ErrConflict) || errors.Is(err, dialer.ErrRunCancelled) {
			// A cancel refused the follow-ups; the next read sees it.
			continue
		}
		if err != nil {
			return dialer.Decision{}, err
		}
		d.Next = saved
		p.announce(ctx, a, d, now)
		return d, nil
	}
	return dialer.Decision{}, fmt.Errorf("dispatch: %s/%s: %w", runID, contactID, dialer.ErrConflict)
}

func (p *Processor) announce(ctx context.Context, prev dialer.Attempt, d dialer.Decision, now time.Time) {
	log := logger.From(ctx)
	from := prev.State
	for _, s := range d.Path {
		p.publish(ctx, events.Event{
			Type:      events.TypeContactTransition,
			RunID:     prev.RunID,
			ContactID: prev.ContactID,
			From:      string(from),
			State:     string(s),
			Seq:       d.Next.Seq,
			Reason:    d.Next.Reason,
			At:        now,
		})
		from = s
	}
	for _, e := range d.Effects {
		switch e.Type {
		case dialer.EffectEscalate:
			log.Warn("contact needs manual follow-up", "run_id", prev.RunID, "contact_id", prev.ContactID, "reason", e.Reason)
		case dialer.EffectDial:
			log.Info("follow-up dial scheduled", "run_id", prev.RunID, "contact_id", prev.ContactID, "seq", e.Seq, "leg", e.Leg, "delay", e.Delay)
		}
	}
}

// fail records a handler error: permanent errors dead-letter at once,
// anything else retries with backoff until the attempt budget is spent.
func (p *Processor) fail(ctx context.Context, j jobs.Job, cause error, rng *rand.Rand) error {
	log := logger.From(ctx)
	now := p.now().UTC()

	var (
		done jobs.Job
		err  error
	)
	permanent := jobs.IsPermanent(cause) || telephony.ClassOf(cause) == telephony.ClassPermanent
	if permanent || j.Attempts+1 >= j.MaxAttempts {
		if err := p.guardReplay(ctx, j); err != nil {
			return err
		}
	}
	if permanent {
		done, err = p.jobs.Complete(ctx, j.Claim(), jobs.Completion{
			Status:    jobs.StatusDeadLettered,
			Outcome:   jobs.OutcomeRejected,
			LastError: cause.Error(),
		}, now)
	} else {
		var ge *telephony.Error
		if errors.As(cause, &ge) && ge.RetryAfter > 0 {
			cause = jobs.RetryAfter(cause, ge.RetryAfter)
		}
		delay := p.settings.Backoff.DelayWithHint(j.Attempts+1, cause, rng)
		done, err = p.jobs.Retry(ctx, j.Claim(), cause.Error(), now.Add(delay), now)
		if err == nil && done.Status == jobs.StatusQueued {
			log.Warn("job failed; retry scheduled", "err", cause, "attempts", done.Attempts, "retry_in", delay)
			return nil
		}
	}
	if errors.Is(err, jobs.ErrStaleClaim) {
		log.Warn("claim lost before failure was recorded", "err", cause)
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch: record failure: %w", err)
	}
	return p.deadLettered(ctx, done)
}

func (p *Processor) deadLetter(ctx context.Context, j jobs.Job, reason string) error {
	if err := p.guardReplay(ctx, j); err != nil {
		return err
	}
	done, err := p.finish(ctx, j, jobs.Completion{
		Status:    jobs.StatusDeadLettered,
		Outcome:   jobs.OutcomeRejected,
		LastError: reason,
	})
	if err != nil || done.ID == "" {
		return err
	}
	return p.deadLettered(ctx, done)
}

// deadLettered runs the follow-ups of a job entering the outbox.
func (p *Processor) deadLettered(ctx context.Context, j jobs.Job) error {
	logger.From(ctx).Error("job dead-lettered", "outcome", j.Outcome, "last_error", j.LastError, "attempts", j.Attempts)
	p.publish(ctx, events.Event{
		Type:      events.TypeJobDeadLettered,
		RunID:     j.Payload.RunID,
		ContactID: j.Payload.ContactID,
		JobID:     j.ID,
		Kind:      string(j.Kind),
		Reason:    j.LastError,
		At:        p.now().UTC(),
	})

	switch j.Kind {
	case jobs.KindCall:
		if err := p.replay(ctx, j); err != nil {
			return err
		}
	case jobs.KindTTS:
		if p.speech != nil && j.Payload.Fingerprint != "" {
			if err := p.speech.MarkFailed(ctx, j.Payload.Fingerprint, j.LastError); err != nil {
				return err
			}
		}
	}
	p.maybeComplete(ctx, j.Payload.RunID)
	return nil
}

// halt ends a job the run no longer wants.
func (p *Processor) halt(ctx context.Context, j jobs.Job, reason string) error {
	if _, err := p.finish(ctx, j, jobs.Completion{Status: jobs.StatusFailed, Outcome: jobs.OutcomeHalted, LastError: reason}); err != nil {
		return err
	}
	logger.From(ctx).Info("job halted", "reason", reason)
	p.maybeComplete(ctx, j.Payload.RunID)
	return nil
}

// finish completes j. A lost claim is not an error: the new owner decides.
func (p *Processor) finish(ctx context.Context, j jobs.Job, c jobs.Completion) (jobs.Job, error) {
	done, err := p.jobs.Complete(ctx, j.Claim(), c, p.now().UTC())
	if errors.Is(err, jobs.ErrStaleClaim) {
		logger.From(ctx).Warn("claim lost before completion", "status", c.Status)
		return jobs.Job{}, nil
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("dispatch: complete job: %w", err)
	}
	return done, nil
}

func (p *Processor) deferJob(ctx context.Context, j jobs.Job, at time.Time) error {
	err := p.jobs.Defer(ctx, j.Claim(), at, p.now().UTC())
	if errors.Is(err, jobs.ErrStaleClaim) {
		return nil
	}
	return err
}

func (p *Processor) load(ctx context.Context, j jobs.Job) (campaigns.Run, dialer.Attempt, error) {
	run, err := p.runs.Run(ctx, j.Payload.RunID)
	if err != nil {
		return campaigns.Run{}, dialer.Attempt{}, err
	}
	a, err := p.attempts.Get(ctx, run.ID, j.Payload.ContactID)
	if err != nil {
		return campaigns.Run{}, dialer.Attempt{}, err
	}
	return run, a, nil
}

func (p *Processor) loadFailed(ctx context.Context, j jobs.Job, err error, rng *rand.Rand) error {
	if errors.Is(err, campaigns.ErrNotFound) || errors.Is(err, dialer.ErrNotFound) {
		return p.deadLetter(ctx, j, err.Error())
	}
	return p.fail(ctx, j, err, rng)
}

func (p *Processor) maybeComplete(ctx context.Context, runID string) {
	if runID == "" {
		return
	}
	if _, err := p.runs.CompleteIfDone(ctx, runID); err != nil {
		logger.From(ctx).Warn("run completion check failed", "run_id", runID, "err", err)
	}
}

func (p *Processor) releaseCap(ctx context.Context) {
	if p.cap == nil {
		return
	}
	if err := p.cap.Release(ctx); err != nil {
		logger.From(ctx).Warn("live call cap release failed", "err", err)
	}
}

func (p *Processor) publish(ctx context.Context, e events.Event) {
	if err := p.events.Publish(ctx, e); err != nil {
		logger.From(ctx).Warn("event publish failed", "type", e.Type, "err", err)
	}
}
