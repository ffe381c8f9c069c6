package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"outreach-platform/internal/jobs"
	"outreach-platform/internal/telephony"
	"outreach-platform/pkg/logger"
)

const reapBatch = 100

// Reap handles in-flight jobs whose lease expired. A correlated call is
// re-queried at the gateway; anything else is retried as a transient
// failure.
func (p *Processor) Reap(ctx context.Context) (int, error) {
	now := p.now().UTC()
	expired, err := p.jobs.ExpiredLeases(ctx, now, reapBatch)
	if err != nil {
		return 0, err
	}
	rng := rand.New(rand.NewSource(now.UnixNano()))
	for _, j := range expired {
		jctx, log := logger.WithAttrs(ctx, "job_id", j.ID, "kind", string(j.Kind), "claimed_by", j.ClaimedBy)
		if err := p.reap(jctx, j, rng); err != nil {
			log.Warn("reap failed", "err", err)
		}
	}
	return len(expired), nil
}

func (p *Processor) reap(ctx context.Context, j jobs.Job, rng *rand.Rand) error {
	log := logger.From(ctx)
	now := p.now().UTC()

	if j.Kind == jobs.KindCall && j.ExternalID != "" && p.gateway != nil {
		status, err := p.gateway.CallStatus(ctx, j.ExternalID)
		if err != nil {
			log.Warn("call status query failed", "external_id", j.ExternalID, "err", err)
			return p.jobs.ExtendLease(ctx, j.Claim(), now.Add(p.settings.Lease), now)
		}
		if !status.Terminal() {
			return p.jobs.ExtendLease(ctx, j.Claim(), now.Add(p.settings.ResultTimeout), now)
		}

		// The status callback was lost. Feed the queried status through the
		// callback workers like any other delivery.
		cb := jobs.Callback{
			Event:      jobs.CallbackCallStatus,
			JobID:      j.ID,
			ExternalID: j.ExternalID,
			Status:     string(status),
			ReceivedAt: now,
		}
		if _, err := p.jobs.Enqueue(ctx, telephony.CallbackJob(cb, 0, now)); err != nil {
			return err
		}
		log.Info("lost call status recovered", "external_id", j.ExternalID, "status", status)
		return p.jobs.ExtendLease(ctx, j.Claim(), now.Add(p.settings.Lease), now)
	}

	return p.fail(ctx, j, errLeaseExpired, rng)
}

type MaintenanceConfig struct {
	ReapSchedule  string
	EvictSchedule string
}

// Evicter reclaims unused speech assets.
type Evicter interface {
	Evict(ctx context.Context, now time.Time) (int, error)
}

// Maintenance runs the periodic reaper and TTS eviction on cron schedules.
type Maintenance struct {
	c   *cron.Cron
	log *slog.Logger
}

func NewMaintenance(cfg MaintenanceConfig, p *Processor, ev Evicter, log *slog.Logger) (*Maintenance, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReapSchedule == "" {
		cfg.ReapSchedule = "@every 30s"
	}
	if cfg.EvictSchedule == "" {
		cfg.EvictSchedule = "@every 1h"
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	m := &Maintenance{c: c, log: log}

	if p != nil {
		if _, err := c.AddFunc(cfg.ReapSchedule, func() {
			ctx := logger.With(context.Background(), log.With("task", "reap"))
			n, err := p.Reap(ctx)
			if err != nil {
				log.Warn("lease reaper failed", "err", err)
				return
			}
			if n > 0 {
				log.Info("expired leases reaped", "jobs", n)
			}
		}); err != nil {
			return nil, err
		}
	}
	if ev != nil {
		if _, err := c.AddFunc(cfg.EvictSchedule, func() {
			n, err := ev.Evict(context.Background(), time.Now().UTC())
			if err != nil {
				log.Warn("tts eviction failed", "err", err)
				return
			}
			if n > 0 {
				log.Info("tts assets evicted", "assets", n)
			}
		}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Maintenance) Start() {
	m.c.Start()
	m.log.Info("maintenance started", "entries", len(m.c.Entries()))
}

// Stop waits for a running task or ctx, whichever ends first.
func (m *Maintenance) Stop(ctx context.Context) {
	select {
	case <-m.c.Stop().Done():
	case <-ctx.Done():
	}
}
