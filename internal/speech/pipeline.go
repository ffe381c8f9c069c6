package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// DependentChecker reports whether queued or in-flight jobs still need an
// asset. jobs.Store satisfies it.
type DependentChecker interface {
	HasOpenDependents(ctx context.Context, fingerprint string) (bool, error)
}

type PipelineConfig struct {
	LockTTL      time.Duration
	PeerWait     time.Duration
	PollInterval time.Duration
	Retention    time.Duration
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	out := c
	if out.LockTTL <= 0 {
		out.LockTTL = 2 * time.Minute
	}
	if out.PeerWait <= 0 {
		out.PeerWait = 30 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 250 * time.Millisecond
	}
	if out.Retention <= 0 {
		out.Retention = 30 * 24 * time.Hour
	}
	return out
}

// Pipeline generates and caches audio assets. Generation for one
// fingerprint is single flight: collapsed in process by singleflight and
// across processes by the Locker.
type Pipeline struct {
	synth  Synthesizer
	index  Index
	blobs  BlobStore
	locker Locker
	deps   DependentChecker
	cfg    PipelineConfig
	log    *slog.Logger

	sf  singleflight.Group
	now func() time.Time
}

func NewPipeline(synth Synthesizer, index Index, blobs BlobStore, locker Locker, deps DependentChecker, cfg PipelineConfig, log *slog.Logger) *Pipeline {
	if locker == nil {
		locker = LocalLocker{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		synth:  synth,
		index:  index,
		blobs:  blobs,
		locker: locker,
		deps:   deps,
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
	}
}

// Ensure returns the ready asset for req, generating it at most once.
func (p *Pipeline) Ensure(ctx context.Context, req Request) (Asset, error) {
	fp := req.Fingerprint()
	v, err, _ := p.sf.Do(fp, func() (any, error) {
		return p.ensure(ctx, fp, req)
	})
	if err != nil {
		return Asset{}, err
	}
	return v.(Asset), nil
}

func (p *Pipeline) ensure(ctx context.Context, fp string, req Request) (Asset, error) {
	if a, err := p.index.Get(ctx, fp); err == nil && a.Ready() {
		return a, nil
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return Asset{}, err
	}

	release, ok, err := p.locker.Acquire(ctx, "tts:lock:"+fp, p.cfg.LockTTL)
	if err != nil {
		// Lock backend down: generating twice is wasteful but safe.
		p.log.Warn("tts lock unavailable", "fingerprint", fp, "err", err)
		ok, release = true, func() {}
	}
	if !ok {
		return p.waitForPeer(ctx, fp)
	}
	defer release()

	if a, err := p.index.Get(ctx, fp); err == nil && a.Ready() {
		return a, nil
	}

	audio, err := p.synth.Synthesize(ctx, req.Text, req.Voice, req.Speed)
	if err != nil {
		return Asset{}, err
	}
	path, err := p.blobs.Write(ctx, fp, audio)
	if err != nil {
		return Asset{}, fmt.Errorf("speech: store audio: %w", err)
	}

	now := p.now().UTC()
	a := Asset{
		Fingerprint: fp,
		StoragePath: path,
		Status:      AssetReady,
		SizeBytes:   int64(len(audio)),
		GeneratedAt: now,
		LastUsedAt:  now,
	}
	if err := p.index.Put(ctx, a); err != nil {
		return Asset{}, err
	}
	p.log.Info("tts asset generated", "fingerprint", fp, "bytes", a.SizeBytes)
	return a, nil
}

func (p *Pipeline) waitForPeer(ctx context.Context, fp string) (Asset, error) {
	deadline := time.NewTimer(p.cfg.PeerWait)
	defer deadline.Stop()
	tick := time.NewTicker(p.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return Asset{}, ctx.Err()
		case <-deadline.C:
			return Asset{}, ErrNotReady
		case <-tick.C:
			a, err := p.index.Get(ctx, fp)
			if err == nil && a.Ready() {
				return a, nil
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return Asset{}, err
			}
		}
	}
}

// Lookup returns the indexed asset (ready or failed) or ErrNotFound.
func (p *Pipeline) Lookup(ctx context.Context, fingerprint string) (Asset, error) {
	return p.index.Get(ctx, fingerprint)
}

// MarkFailed sets the fallback flag for fingerprint so held calls stop
// waiting. A ready asset is left alone.
func (p *Pipeline) MarkFailed(ctx context.Context, fingerprint, reason string) error {
	if a, err := p.index.Get(ctx, fingerprint); err == nil && a.Ready() {
		return nil
	}
	now := p.now().UTC()
	return p.index.Put(ctx, Asset{
		Fingerprint: fingerprint,
		Status:      AssetFailed,
		Error:       reason,
		GeneratedAt: now,
		LastUsedAt:  now,
	})
}

func (p *Pipeline) Touch(ctx context.Context, fingerprint string) error {
	return p.index.Touch(ctx, fingerprint, p.now())
}

// Open returns the audio of a ready asset.
func (p *Pipeline) Open(ctx context.Context, fingerprint string) (io.ReadCloser, Asset, error) {
	a, err := p.index.Get(ctx, fingerprint)
	if err != nil {
		return nil, Asset{}, err
	}
	if !a.Ready() {
		return nil, Asset{}, ErrNotFound
	}
	rc, err := p.blobs.Open(ctx, a.StoragePath)
	if err != nil {
		return nil, Asset{}, err
	}
	return rc, a, nil
}

// Evict reclaims assets unused for the retention window. Assets with open
// dependent jobs are kept.
func (p *Pipeline) Evict(ctx context.Context, now time.Time) (int, error) {
	stale, err := p.index.UnusedSince(ctx, now.Add(-p.cfg.Retention))
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, a := range stale {
		if p.deps != nil {
			busy, err := p.deps.HasOpenDependents(ctx, a.Fingerprint)
			if err != nil {
				return evicted, err
			}
			if busy {
				continue
			}
		}
		if a.StoragePath != "" {
			if err := p.blobs.Remove(ctx, a.StoragePath); err != nil {
				p.log.Warn("tts evict remove failed", "fingerprint", a.Fingerprint, "err", err)
				continue
			}
		}
		if err := p.index.Delete(ctx, a.Fingerprint); err != nil {
			return evicted, err
		}
		evicted++
	}
	if evicted > 0 {
		p.log.Info("tts cache evicted", "count", evicted)
	}
	return evicted, nil
}
