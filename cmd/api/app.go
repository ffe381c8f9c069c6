package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"outreach-platform/internal/audit"
	"outreach-platform/internal/auth"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/config"
	"outreach-platform/internal/dialer"
	"outreach-platform/internal/dispatch"
	"outreach-platform/internal/events"
	"outreach-platform/internal/jobs"
	"outreach-platform/internal/outbox"
	"outreach-platform/internal/speech"
	"outreach-platform/internal/telephony"
	"outreach-platform/migrations"
	"outreach-platform/pkg/utils"

	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
)

// app holds every wired component. Nothing here is global.
type app struct {
	cfg config.Config
	log *slog.Logger

	db  *sql.DB
	rdb *redis.Client
	nsq *nsq.Producer

	auth      *auth.Manager
	jobs      jobs.Store
	campaigns *campaigns.Service
	outbox    *outbox.Service
	speech    *speech.Pipeline
	processor *dispatch.Processor
	webhooks  telephony.WebhookHandler

	pools       []*dispatch.Pool
	maintenance *dispatch.Maintenance
}

type stores struct {
	jobs      jobs.Store
	attempts  dialer.Store
	runs      campaigns.Repo
	directory campaigns.Directory
	audit     audit.Repository
	assets    speech.Index
}

func memoryStores() stores {
	js := jobs.NewMemoryStore()
	runs := campaigns.NewMemoryRepo()
	return stores{
		jobs:      js,
		attempts:  dialer.NewMemoryStore(js).WithCancelGate(runs),
		runs:      runs,
		directory: campaigns.NewMemoryDirectory(),
		audit:     audit.NewMemoryRepo(),
		assets:    speech.NewMemoryIndex(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		jobs:      jobs.NewPostgresStore(db),
		attempts:  dialer.NewPostgresStore(db),
		runs:      campaigns.NewPostgresRepo(db),
		directory: campaigns.NewPostgresDirectory(db),
		audit:     audit.NewPostgresRepo(db),
		assets:    speech.NewPostgresIndex(db),
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var err error
	a.auth, err = auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth init: %w", err)
	}

	var st stores
	switch cfg.App.Store {
	case "memory":
		log.Warn("using in-memory stores; state is lost on restart")
		st = memoryStores()
	default:
		a.db, err = utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		if cfg.DB.Migrate {
			if err := utils.Migrate(a.db, migrations.FS); err != nil {
				a.close()
				return nil, err
			}
			log.Info("migrations applied")
		}
		st = postgresStores(a.db)
	}
	a.jobs = st.jobs

	var locker speech.Locker = speech.LocalLocker{}
	var callCap dispatch.Cap
	if cfg.Redis.Enabled {
		a.rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("redis init: %w", err)
		}
		locker = speech.NewRedisLocker(a.rdb)
		if cfg.Call.MaxActive > 0 {
			callCap = dispatch.NewRedisCap(a.rdb, "", cfg.Call.MaxActive, 0)
		}
	} else if cfg.Call.MaxActive > 0 {
		log.Warn("CALL_MAX_ACTIVE ignored without redis", "max_active", cfg.Call.MaxActive)
	}

	var pub events.Publisher = events.Nop{}
	if cfg.NSQ.Enabled {
		a.nsq, err = events.NewNSQProducer(cfg.NSQ.NSQDAddr)
		if err != nil {
			a.close()
			return nil, err
		}
		pub = events.NewNSQPublisher(a.nsq, cfg.NSQ.Topic, log)
	}

	auditSvc := audit.NewService(st.audit)

	a.speech = speech.NewPipeline(
		speech.NewHTTPSynthesizer(cfg.TTS.Endpoint, cfg.TTS.APIKey),
		st.assets,
		speech.NewFileStore(cfg.TTS.CacheDir),
		locker,
		st.jobs,
		speech.PipelineConfig{
			LockTTL:   cfg.TTS.LockTTL,
			PeerWait:  cfg.TTS.PeerWait,
			Retention: cfg.TTS.Retention,
		},
		log.With("component", "speech"),
	)

	a.campaigns = campaigns.NewService(campaigns.Deps{
		Runs:      st.runs,
		Directory: st.directory,
		Attempts:  st.attempts,
		Jobs:      st.jobs,
		Assets:    a.speech,
		Audit:     auditSvc,
		Events:    pub,
		Settings:  campaigns.SettingsFromConfig(&cfg),
		Log:       log.With("component", "campaigns"),
	})

	urls := telephony.NewURLs(cfg.App.PublicURL)
	a.processor = dispatch.NewProcessor(dispatch.Deps{
		Jobs:     st.jobs,
		Attempts: st.attempts,
		Runs:     a.campaigns,
		Gateway:  telephony.NewTwilioGateway(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.BaseURL),
		URLs:     urls,
		Speech:   a.speech,
		Cap:      callCap,
		Events:   pub,
		Settings: dispatch.SettingsFromConfig(&cfg),
		Log:      log.With("component", "dispatch"),
	})

	a.webhooks = telephony.WebhookHandler{
		Jobs:           st.jobs,
		Audio:          a.speech,
		URLs:           urls,
		CallbackSettle: cfg.Call.CallbackSettle,
	}

	if cfg.App.EnableWorkers {
		a.pools = buildPools(cfg, st.jobs, a.processor, log)
		a.maintenance, err = dispatch.NewMaintenance(dispatch.MaintenanceConfig{
			ReapSchedule:  cfg.Workers.ReapSchedule,
			EvictSchedule: cfg.Workers.EvictSchedule,
		}, a.processor, a.speech, log.With("component", "maintenance"))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("maintenance init: %w", err)
		}
	}

	a.outbox = outbox.NewService(st.jobs, auditSvc, a.wake, log.With("component", "outbox"))
	return a, nil
}

func buildPools(cfg config.Config, store jobs.Store, p *dispatch.Processor, log *slog.Logger) []*dispatch.Pool {
	w := cfg.Workers
	specs := []dispatch.PoolConfig{
		{Kind: jobs.KindTTS, Concurrency: w.TTSConcurrency},
		{Kind: jobs.KindCall, Concurrency: w.CallConcurrency, Rate: w.CallRate, Burst: w.CallConcurrency},
		{Kind: jobs.KindSMS, Concurrency: w.SMSConcurrency, Rate: w.SMSRate, Burst: w.SMSConcurrency},
		{Kind: jobs.KindCallback, Concurrency: w.CallbackConcurrency},
	}
	pools := make([]*dispatch.Pool, 0, len(specs))
	for _, pc := range specs {
		pc.PollInterval = w.PollInterval
		pc.Lease = w.Lease
		pools = append(pools, dispatch.NewPool(store, p.Handler(pc.Kind), pc, log))
	}
	return pools
}

// wake nudges the pool that serves kind, if this process runs one.
func (a *app) wake(kind jobs.Kind) {
	for _, p := range a.pools {
		if p.Kind() == kind {
			p.Wake()
		}
	}
}

func (a *app) close() {
	if a.nsq != nil {
		a.nsq.Stop()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
