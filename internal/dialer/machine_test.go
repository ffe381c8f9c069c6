package dialer

import (
	"testing"
	"time"

	"outreach-platform/internal/jobs"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func twoNumbers() []Number {
	return []Number{
		{PhoneID: "p-sec", Number: "+15550002", Priority: 5},
		{PhoneID: "p-pri", Number: "+15550001", Priority: 9, Primary: true},
	}
}

func picked(t *testing.T, a Attempt, p Policy) Attempt {
	t.Helper()
	d := Transition(a, Event{Type: EventPicked, Seq: a.Seq}, p, now)
	if !d.Applied {
		t.Fatalf("picked not applied: %s", d.Ignored)
	}
	return d.Next
}

func TestOrderNumbers_PrimaryThenPriority(t *testing.T) {
	got := OrderNumbers([]Number{
		{PhoneID: "c", Number: "3", Priority: 3},
		{PhoneID: "a", Number: "1", Priority: 1},
		{PhoneID: "p", Number: "9", Priority: 10, Primary: true},
		{PhoneID: "empty", Number: ""},
		{PhoneID: "b", Number: "2", Priority: 1},
	})
	want := []string{"p", "a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %d numbers", len(got))
	}
	for i, id := range want {
		if got[i].PhoneID != id {
			t.Fatalf("position %d: got %s want %s", i, got[i].PhoneID, id)
		}
	}
}

func TestNewAttempt_NoNumbersIsError(t *testing.T) {
	a := NewAttempt("r", "c", nil, now)
	if a.State != StateError || a.Reason != ReasonNoPhone {
		t.Fatalf("got %s %q", a.State, a.Reason)
	}
}

func TestTransition_PrimaryOnlyNoAnswerEscalates(t *testing.T) {
	p := Policy{RetryDelay: time.Minute, MaxSecondaryAttempts: 0}
	a := picked(t, NewAttempt("r", "c", []Number{{PhoneID: "p1", Number: "+1555", Primary: true}}, now), p)
	if a.State != StateRingingPrimary {
		t.Fatalf("got %s", a.State)
	}

	d := Transition(a, Event{Type: EventOutcome, Seq: 1, Result: ResultNoAnswer}, p, now)
	if d.Next.State != StateManualNeeded {
		t.Fatalf("got %s", d.Next.State)
	}
	if d.Next.LastError != "no-answer" || d.Next.Reason != "no-answer" {
		t.Fatalf("got last_error=%q reason=%q", d.Next.LastError, d.Next.Reason)
	}
	if len(d.Path) != 2 || d.Path[0] != StateNoAnswer {
		t.Fatalf("path %v", d.Path)
	}
	if len(d.Effects) != 1 || d.Effects[0].Type != EffectEscalate {
		t.Fatalf("effects %+v", d.Effects)
	}
}

func TestTransition_FallsBackToSecondaryWithDelay(t *testing.T) {
	p := Policy{RetryDelay: 2 * time.Minute, MaxSecondaryAttempts: 1}
	a := picked(t, NewAttempt("r", "c", twoNumbers(), now), p)

	d := Transition(a, Event{Type: EventOutcome, Seq: 1, Result: ResultBusy}, p, now)
	if d.Next.State != StateRingingSecondary || d.Next.Seq != 2 || d.Next.Leg != jobs.LegSecondary {
		t.Fatalf("got %+v", d.Next)
	}
	if len(d.Effects) != 1 {
		t.Fatalf("effects %+v", d.Effects)
	}
	e := d.Effects[0]
	if e.Type != EffectDial || e.Number.PhoneID != "p-sec" || e.Delay != 2*time.Minute || e.Seq != 2 {
		t.Fatalf("effect %+v", e)
	}

	// The follow-up job for seq 2 is picked while already ringing.
	again := Transition(d.Next, Event{Type: EventPicked, Seq: 2}, p, now)
	if !again.Applied || again.Next.State != StateRingingSecondary || len(again.Effects) != 0 {
		t.Fatalf("re-pick %+v", again)
	}

	done := Transition(d.Next, Event{Type: EventOutcome, Seq: 2, Result: ResultNoAnswer}, p, now)
	if done.Next.State != StateManualNeeded {
		t.Fatalf("got %s", done.Next.State)
	}
}

func TestTransition_StaleAndTerminalEventsIgnored(t *testing.T) {
	p := Policy{MaxSecondaryAttempts: 1}
	a := picked(t, NewAttempt("r", "c", twoNumbers(), now), p)
	d := Transition(a, Event{Type: EventOutcome, Seq: 1, Result: ResultFailed}, p, now)

	stale := Transition(d.Next, Event{Type: EventOutcome, Seq: 1, Result: ResultConfirmed}, p, now)
	if stale.Applied || stale.Ignored == "" {
		t.Fatalf("stale seq must be ignored")
	}

	conf := Transition(d.Next, Event{Type: EventOutcome, Seq: 2, Result: ResultConfirmed}, p, now)
	if conf.Next.State != StateConfirmed {
		t.Fatalf("got %s", conf.Next.State)
	}
	dup := Transition(conf.Next, Event{Type: EventOutcome, Seq: 2, Result: ResultConfirmed}, p, now)
	if dup.Applied {
		t.Fatalf("terminal attempt changed twice")
	}
	if dup.Next.Version != conf.Next.Version || dup.Next.State != StateConfirmed {
		t.Fatalf("duplicate mutated attempt")
	}
}

func TestTransition_PermanentPrimaryFallsToSecondary(t *testing.T) {
	p := Policy{RetryDelay: time.Minute, MaxSecondaryAttempts: 1}
	a := picked(t, NewAttempt("r", "c", twoNumbers(), now), p)

	d := Transition(a, Event{Type: EventRejected, Seq: 1, Reason: "invalid number"}, p, now)
	if d.Next.State != StateRingingSecondary {
		t.Fatalf("got %s", d.Next.State)
	}
	if len(d.Next.Excluded) != 1 || d.Next.Excluded[0] != "p-pri" {
		t.Fatalf("excluded %v", d.Next.Excluded)
	}
	if len(a.Excluded) != 0 {
		t.Fatalf("input attempt mutated")
	}

	conf := Transition(d.Next, Event{Type: EventOutcome, Seq: 2, Result: ResultConfirmed}, p, now)
	if conf.Next.State != StateConfirmed {
		t.Fatalf("got %s", conf.Next.State)
	}
}

func TestTransition_RejectedSecondaryKeepsBudget(t *testing.T) {
	p := Policy{RetryDelay: time.Minute, MaxSecondaryAttempts: 1}
	numbers := []Number{
		{PhoneID: "p-pri", Number: "+15550001", Primary: true},
		{PhoneID: "p-s1", Number: "bad", Priority: 1},
		{PhoneID: "p-s2", Number: "+15550003", Priority: 2},
	}
	a := picked(t, NewAttempt("r", "c", numbers, now), p)

	d := Transition(a, Event{Type: EventOutcome, Seq: 1, Result: ResultNoAnswer}, p, now)
	if d.Next.State != StateRingingSecondary || d.Next.SecondaryTries != 1 {
		t.Fatalf("got %s tries=%d", d.Next.State, d.Next.SecondaryTries)
	}
	s1 := picked(t, d.Next, p)

	d = Transition(s1, Event{Type: EventRejected, Seq: 2, Reason: "invalid number"}, p, now)
	if d.Next.State != StateRingingSecondary {
		t.Fatalf("got %s reason=%q", d.Next.State, d.Next.Reason)
	}
	if d.Next.SecondaryTries != 1 || d.Next.Seq != 3 {
		t.Fatalf("tries=%d seq=%d", d.Next.SecondaryTries, d.Next.Seq)
	}
	if len(d.Effects) != 1 || d.Effects[0].Number.PhoneID != "p-s2" {
		t.Fatalf("effects %+v", d.Effects)
	}

	// s2 was really rung, so its no-answer spends the budget.
	s2 := picked(t, d.Next, p)
	d = Transition(s2, Event{Type: EventOutcome, Seq: 3, Result: ResultNoAnswer}, p, now)
	if d.Next.State != StateManualNeeded {
		t.Fatalf("got %s", d.Next.State)
	}
}

func TestTransition_PermanentWithNoNumbersLeftIsError(t *testing.T) {
	p := Policy{MaxSecondaryAttempts: 2}
	a := picked(t, NewAttempt("r", "c", []Number{{PhoneID: "p1", Number: "bad", Primary: true}}, now), p)

	d := Transition(a, Event{Type: EventRejected, Seq: 1, Reason: "invalid number"}, p, now)
	if d.Next.State != StateError || d.Next.Reason != "invalid number" {
		t.Fatalf("got %s %q", d.Next.State, d.Next.Reason)
	}
	if len(d.Effects) != 0 {
		t.Fatalf("ERROR must not escalate: %+v", d.Effects)
	}
}

func TestTransition_UniversalRetryCycle(t *testing.T) {
	p := Policy{RetryDelay: time.Minute, MaxSecondaryAttempts: 1, UniversalRetry: true, UniversalRetryDelay: time.Hour, MaxCycles: 1}
	a := picked(t, NewAttempt("r", "c", twoNumbers(), now), p)
	a = Transition(a, Event{Type: EventOutcome, Seq: 1, Result: ResultNoAnswer}, p, now).Next

	d := Transition(a, Event{Type: EventOutcome, Seq: 2, Result: ResultNoAnswer}, p, now)
	if d.Next.State != StateScheduled || d.Next.Cycles != 1 || d.Next.Seq != 3 || d.Next.Leg != jobs.LegPrimary {
		t.Fatalf("got %+v", d.Next)
	}
	if d.Path[0] != StateNoAnswer || d.Path[1] != StateScheduled {
		t.Fatalf("path %v", d.Path)
	}
	if d.Effects[0].Delay != time.Hour || d.Effects[0].Number.PhoneID != "p-pri" {
		t.Fatalf("effect %+v", d.Effects[0])
	}

	r := picked(t, d.Next, p)
	if r.State != StateRingingPrimary || r.SecondaryTries != 0 {
		t.Fatalf("got %+v", r)
	}

	// Second cycle budget is spent.
	r = Transition(r, Event{Type: EventOutcome, Seq: 3, Result: ResultNoAnswer}, p, now).Next
	final := Transition(r, Event{Type: EventOutcome, Seq: 4, Result: ResultNoAnswer}, p, now)
	if final.Next.State != StateManualNeeded {
		t.Fatalf("got %s", final.Next.State)
	}
}

func TestTransition_DeadlineIsHardCeiling(t *testing.T) {
	p := Policy{
		RetryDelay:           time.Minute,
		MaxSecondaryAttempts: 1,
		UniversalRetry:       true,
		UniversalRetryDelay:  time.Hour,
		MaxCycles:            5,
		Deadline:             now.Add(30 * time.Second),
	}
	a := picked(t, NewAttempt("r", "c", twoNumbers(), now), p)

	d := Transition(a, Event{Type: EventOutcome, Seq: 1, Result: ResultNoAnswer}, p, now)
	if d.Next.State != StateManualNeeded || d.Next.Reason != ReasonDeadline {
		t.Fatalf("got %s %q", d.Next.State, d.Next.Reason)
	}

	late := Transition(NewAttempt("r", "c2", twoNumbers(), now), Event{Type: EventPicked, Seq: 1}, p, now.Add(time.Minute))
	if late.Next.State != StateManualNeeded || late.Next.Reason != ReasonDeadline {
		t.Fatalf("got %s", late.Next.State)
	}
}

func TestTransition_CancelledSpawnsNoFollowUps(t *testing.T) {
	p := Policy{RetryDelay: time.Minute, MaxSecondaryAttempts: 1}
	a := picked(t, NewAttempt("r", "c", twoNumbers(), now), p)

	p.Cancelled = true
	d := Transition(a, Event{Type: EventOutcome, Seq: 1, Result: ResultNoAnswer}, p, now)
	if d.Next.State != StateManualNeeded || d.Next.Reason != ReasonCancelled {
		t.Fatalf("got %s %q", d.Next.State, d.Next.Reason)
	}
	for _, e := range d.Effects {
		if e.Type == EffectDial {
			t.Fatalf("cancelled run produced a dial")
		}
	}

	// An in-flight confirmation is still accepted.
	ok := Transition(a, Event{Type: EventOutcome, Seq: 1, Result: ResultConfirmed}, p, now)
	if ok.Next.State != StateConfirmed {
		t.Fatalf("got %s", ok.Next.State)
	}

	pending := Transition(NewAttempt("r", "c3", twoNumbers(), now), Event{Type: EventPicked, Seq: 1}, p, now)
	if pending.Next.State != StateManualNeeded {
		t.Fatalf("got %s", pending.Next.State)
	}
}

func TestTransition_AcknowledgedConfirmsFromAnyOpenState(t *testing.T) {
	p := Policy{}
	a := NewAttempt("r", "c", twoNumbers(), now)
	d := Transition(a, Event{Type: EventAcknowledged}, p, now)
	if d.Next.State != StateConfirmed {
		t.Fatalf("got %s", d.Next.State)
	}
}

func TestTransition_ExhaustedIsManual(t *testing.T) {
	p := Policy{MaxSecondaryAttempts: 1}
	a := picked(t, NewAttempt("r", "c", twoNumbers(), now), p)
	d := Transition(a, Event{Type: EventExhausted, Seq: 1, Reason: "gateway timeout"}, p, now)
	if d.Next.State != StateManualNeeded || d.Next.Reason != ReasonExhausted || d.Next.LastError != "gateway timeout" {
		t.Fatalf("got %+v", d.Next)
	}
}

func TestEventFromOutcome(t *testing.T) {
	cases := map[jobs.Outcome]EventType{
		jobs.OutcomeConfirmed:  EventOutcome,
		jobs.OutcomeNoAnswer:   EventOutcome,
		jobs.OutcomeRejected:   EventRejected,
		jobs.OutcomeExhausted:  EventExhausted,
		jobs.OutcomeCallFailed: EventOutcome,
	}
	for o, want := range cases {
		ev, ok := EventFromOutcome(4, o, "x")
		if !ok || ev.Type != want || ev.Seq != 4 {
			t.Fatalf("%s: got %+v", o, ev)
		}
	}
	if _, ok := EventFromOutcome(1, jobs.OutcomeSuperseded, ""); ok {
		t.Fatalf("superseded carries no dial information")
	}
}
