package campaigns

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-platform/internal/audit"
	"outreach-platform/internal/dialer"
	"outreach-platform/internal/events"
	"outreach-platform/internal/jobs"
	"outreach-platform/internal/speech"
	"outreach-platform/pkg/logger"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	dir      *MemoryDirectory
	runs     *MemoryRepo
	jobs     *jobs.MemoryStore
	attempts *dialer.MemoryStore
	assets   *speech.MemoryIndex
	audit    *audit.MemoryRepo
	events   *events.Recorder
}

func newFixture(t *testing.T, st Settings) *fixture {
	t.Helper()
	f := &fixture{
		dir:    NewMemoryDirectory(),
		runs:   NewMemoryRepo(),
		jobs:   jobs.NewMemoryStore(),
		assets: speech.NewMemoryIndex(),
		audit:  audit.NewMemoryRepo(),
		events: events.NewRecorder(64),
	}
	f.attempts = dialer.NewMemoryStore(f.jobs)
	f.svc = NewService(Deps{
		Runs:      f.runs,
		Directory: f.dir,
		Attempts:  f.attempts,
		Jobs:      f.jobs,
		Assets:    f.assets,
		Audit:     audit.NewService(f.audit),
		Events:    f.events,
		Settings:  st,
		Log:       logger.Discard(),
	})
	f.svc.clock = func() time.Time { return t0 }

	f.dir.PutMessage(Message{ID: "m1", Text: "Evacuate building B", UseAudio: true})
	f.dir.PutMessage(Message{ID: "m-say", Text: "Drill at noon"})
	f.dir.PutContact(Contact{ID: "c1", Phones: []dialer.Number{
		{PhoneID: "p2", Number: "+15550002", Priority: 2},
		{PhoneID: "p1", Number: "+15550001", Primary: true},
	}})
	f.dir.PutContact(Contact{ID: "c2", Phones: []dialer.Number{{PhoneID: "p3", Number: "+15550003", Primary: true}}})
	f.dir.PutContact(Contact{ID: "c-nophone"})
	f.dir.PutGroup("g1", "c2", "c1", "c-nophone")
	return f
}

func defaultSettings() Settings {
	return Settings{
		Dial:            dialer.Policy{RetryDelay: time.Minute, MaxSecondaryAttempts: 1},
		Deadline:        4 * time.Hour,
		CallMaxAttempts: 3,
		SMSMaxAttempts:  2,
		TTSEnabled:      true,
		TTSMaxAttempts:  3,
		TTSHold:         2 * time.Minute,
		TTSRecheck:      5 * time.Second,
		Voice:           "alice",
		Speed:           1,
		Provider:        "http",
	}
}

func jobsOfKind(all []jobs.Job, k jobs.Kind) []jobs.Job {
	var out []jobs.Job
	for _, j := range all {
		if j.Kind == k {
			out = append(out, j)
		}
	}
	return out
}

func TestStart_ExpandsAudienceAndSeedsPrimaryDials(t *testing.T) {
	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	run, err := f.svc.Start(ctx, StartRequest{
		GroupID:    "g1",
		ContactIDs: []string{"c1", "c1", "ghost"},
		MessageID:  "m-say",
		Actor:      audit.Actor{ID: "trigger-1", Role: "trigger"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "ghost", "c2", "c-nophone"}, run.ContactIDs)
	assert.Equal(t, t0.Add(4*time.Hour), run.Deadline)
	assert.Empty(t, run.AudioFingerprint)

	attempts, err := f.attempts.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	byID := map[string]dialer.Attempt{}
	for _, a := range attempts {
		byID[a.ContactID] = a
	}
	assert.Equal(t, dialer.StatePending, byID["c1"].State)
	assert.Equal(t, dialer.StateError, byID["c-nophone"].State)
	assert.Equal(t, dialer.ReasonNoPhone, byID["c-nophone"].Reason)
	assert.Equal(t, dialer.ReasonNotFound, byID["ghost"].Reason)

	calls := jobsOfKind(f.jobs.All(), jobs.KindCall)
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].Payload.ContactID)
	assert.Equal(t, "+15550001", calls[0].Payload.Phone, "primary is dialed first")
	assert.Equal(t, jobs.LegPrimary, calls[0].Payload.Leg)
	assert.Equal(t, 1, calls[0].Payload.Seq)
	assert.Equal(t, t0, calls[0].AvailableAt)
	assert.Equal(t, DialKey(run.ID, "c1", 1), calls[0].DedupeKey)
	assert.Empty(t, jobsOfKind(f.jobs.All(), jobs.KindTTS))

	evs := f.audit.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, audit.EventCampaignStarted, evs[0].Type)
	assert.Equal(t, "trigger-1", evs[0].ActorID)
}

func TestStart_MissingAudioEnqueuesTTSFirstAndHoldsCalls(t *testing.T) {
	f := newFixture(t, defaultSettings())

	run, err := f.svc.Start(context.Background(), StartRequest{ContactIDs: []string{"c1", "c2"}, MessageID: "m1", Actor: audit.Actor{ID: "op"}})
	require.NoError(t, err)
	require.NotEmpty(t, run.AudioFingerprint)
	require.NotNil(t, run.TTSHoldUntil)
	assert.Equal(t, t0.Add(2*time.Minute), *run.TTSHoldUntil)

	all := f.jobs.All()
	require.Equal(t, jobs.KindTTS, all[0].Kind, "tts job precedes call jobs")
	assert.Equal(t, "tts:"+run.AudioFingerprint, all[0].DedupeKey)
	assert.Equal(t, "alice", all[0].Payload.Voice)

	for _, j := range jobsOfKind(all, jobs.KindCall) {
		assert.Equal(t, t0.Add(5*time.Second), j.AvailableAt)
		assert.Equal(t, run.AudioFingerprint, j.Payload.Fingerprint)
		require.NotNil(t, j.Payload.HoldUntil)
	}
}

func TestStart_ReadyAudioSkipsPregeneration(t *testing.T) {
	f := newFixture(t, defaultSettings())
	fp := speech.Fingerprint("Evacuate building B", "alice", 1, "http")
	require.NoError(t, f.assets.Put(context.Background(), speech.Asset{Fingerprint: fp, Status: speech.AssetReady, GeneratedAt: t0, LastUsedAt: t0}))

	run, err := f.svc.Start(context.Background(), StartRequest{ContactIDs: []string{"c2"}, MessageID: "m1", Actor: audit.Actor{ID: "op"}})
	require.NoError(t, err)
	assert.Equal(t, fp, run.AudioFingerprint)
	assert.Nil(t, run.TTSHoldUntil)
	assert.Empty(t, jobsOfKind(f.jobs.All(), jobs.KindTTS))
	assert.Equal(t, t0, jobsOfKind(f.jobs.All(), jobs.KindCall)[0].AvailableAt)
}

func TestStart_SMSChannel(t *testing.T) {
	st := defaultSettings()
	st.SMSEnabled = true
	f := newFixture(t, st)

	off := false
	_, err := f.svc.Start(context.Background(), StartRequest{ContactIDs: []string{"c1"}, MessageID: "m-say", SMS: &off, Actor: audit.Actor{ID: "op"}})
	require.NoError(t, err)
	assert.Empty(t, jobsOfKind(f.jobs.All(), jobs.KindSMS))

	run, err := f.svc.Start(context.Background(), StartRequest{ContactIDs: []string{"c1"}, MessageID: "m-say", Actor: audit.Actor{ID: "op"}})
	require.NoError(t, err)
	sms := jobsOfKind(f.jobs.All(), jobs.KindSMS)
	require.Len(t, sms, 1)
	assert.Equal(t, run.ID, sms[0].Payload.RunID)
	assert.Equal(t, "+15550001", sms[0].Payload.Phone)
	assert.Equal(t, 2, sms[0].MaxAttempts)
}

func TestStart_RejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, defaultSettings())
	ctx := context.Background()

	cases := map[string]StartRequest{
		"no message":     {ContactIDs: []string{"c1"}},
		"no audience":    {MessageID: "m1"},
		"unknown msg":    {ContactIDs: []string{"c1"}, MessageID: "nope"},
		"unknown group":  {GroupID: "nope", MessageID: "m1"},
		"blank contacts": {ContactIDs: []string{" ", ""}, MessageID: "m1"},
	}
	for name, req := range cases {
		_, err := f.svc.Start(ctx, req)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
	assert.Empty(t, f.jobs.All())
}

func TestStart_AllContactsUnreachableCompletesRun(t *testing.T) {
	f := newFixture(t, defaultSettings())

	run, err := f.svc.Start(context.Background(), StartRequest{ContactIDs: []string{"c-nophone"}, MessageID: "m1", Actor: audit.Actor{ID: "op"}})
	require.NoError(t, err)
	require.NotNil(t, run.CompletedAt)
	assert.Empty(t, f.jobs.All())

	st, err := f.svc.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Summary.Counts.Error)
	assert.True(t, st.Summary.Done)
}

func TestStatus_CountsSumToTotal(t *testing.T) {
	f := newFixture(t, defaultSettings())
	run, err := f.svc.Start(context.Background(), StartRequest{GroupID: "g1", MessageID: "m-say", Actor: audit.Actor{ID: "op"}})
	require.NoError(t, err)

	st, err := f.svc.Status(context.Background(), run.ID)
	require.NoError(t, err)
	c := st.Summary.Counts
	assert.Equal(t, 3, c.Total)
	assert.Equal(t, c.Total, c.Pending+c.NoAnswer+c.Confirmed+c.Manual+c.Error)
	assert.Equal(t, 2, st.Summary.OpenJobs)
	assert.False(t, st.Summary.Done)
	assert.Nil(t, st.Run.CompletedAt)
}

func TestCancel_IsIdempotentAndAudited(t *testing.T) {
	f := newFixture(t, defaultSettings())
	ctx := context.Background()
	run, err := f.svc.Start(ctx, StartRequest{ContactIDs: []string{"c1"}, MessageID: "m-say", Actor: audit.Actor{ID: "op"}})
	require.NoError(t, err)

	actor := audit.Actor{ID: "sup-1", Role: "supervisor"}
	first, err := f.svc.Cancel(ctx, run.ID, actor)
	require.NoError(t, err)
	require.NotNil(t, first.CancelledAt)
	assert.True(t, first.DialPolicy().Cancelled)

	f.svc.clock = func() time.Time { return t0.Add(time.Minute) }
	second, err := f.svc.Cancel(ctx, run.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, *first.CancelledAt, *second.CancelledAt)

	var cancels int
	for _, e := range f.audit.Events() {
		if e.Type == audit.EventCampaignCancelled {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)

	_, err = f.svc.Cancel(ctx, "missing", actor)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRepo_MarkCancelledAlreadyCancelled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"id", "name", "group_id", "contact_ids", "message_id", "message", "audio_fingerprint", "policy",
		"sms_enabled", "created_by", "created_at", "deadline", "tts_hold_until", "cancelled_at", "completed_at"}
	cancelled := t0.Add(-time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE call_runs SET cancelled_at = $2")).
		WithArgs("r1", t0).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM call_runs WHERE id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"r1", "drill", "g1", []byte(`["c1"]`), "m1", []byte(`{"id":"m1","text":"hi","use_audio":false}`), "",
			[]byte(`{"dial":{"max_secondary_attempts":2},"call_max_attempts":3,"sms_max_attempts":3}`),
			false, "op", t0.Add(-time.Hour), t0.Add(3*time.Hour), nil, cancelled, nil,
		))

	run, changed, err := NewPostgresRepo(db).MarkCancelled(context.Background(), "r1", t0)
	require.NoError(t, err)
	assert.False(t, changed)
	require.NotNil(t, run.CancelledAt)
	assert.Equal(t, cancelled, *run.CancelledAt)
	assert.Equal(t, 2, run.Policy.Dial.MaxSecondaryAttempts)
	assert.Equal(t, []string{"c1"}, run.ContactIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDialJob_FollowUpCarriesDelayAndSeq(t *testing.T) {
	hold := t0.Add(time.Minute)
	run := Run{ID: "r1", MessageID: "m1", Message: Message{Text: "hi"}, AudioFingerprint: "fp", TTSHoldUntil: &hold,
		Policy: RunPolicy{CallMaxAttempts: 4}}
	a := dialer.Attempt{ContactID: "c1"}
	e := dialer.Effect{Type: dialer.EffectDial, Seq: 3, Leg: jobs.LegSecondary, Number: dialer.Number{PhoneID: "p2", Number: "+2"}, Delay: time.Minute}

	j := DialJob(run, a, e, t0)
	if j.AvailableAt != t0.Add(time.Minute) || j.Payload.Seq != 3 || j.Payload.Leg != jobs.LegSecondary {
		t.Fatalf("unexpected job %+v", j)
	}
	if j.MaxAttempts != 4 || j.DedupeKey != "call:r1:c1:3" || j.Payload.Fingerprint != "fp" {
		t.Fatalf("unexpected job %+v", j)
	}
	if j.Payload.HoldUntil == run.TTSHoldUntil {
		t.Fatalf("hold must be copied")
	}
}
