package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cdrwatch/internal/calls"
	"cdrwatch/internal/cdrstore"
	"cdrwatch/internal/notify"
	"cdrwatch/internal/transcode"
	"cdrwatch/pkg/logger"

	"github.com/google/uuid"
)

// ErrRecordingNotFound means the CDR names a recording that is not on disk.
var ErrRecordingNotFound = errors.New("monitor: recording not found")

// Compressor produces a size-bounded copy of a recording.
type Compressor interface {
	Compress(ctx context.Context, input, output string) (string, error)
}

// Lease guards the loop against a second instance polling the same table.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config holds the loop timings and filesystem layout.
type Config struct {
	RecordingRoot string
	// CompressDir receives transcoded copies; empty means next to the recording.
	CompressDir string

	Lookback       time.Duration
	PollInterval   time.Duration
	IdleInterval   time.Duration
	ErrorBackoff   time.Duration
	RecordingDelay time.Duration
	StoreTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.RecordingRoot == "" {
		out.RecordingRoot = "/var/spool/asterisk/monitor"
	}
	if out.Lookback <= 0 {
		out.Lookback = 3 * time.Minute
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.IdleInterval <= 0 {
		out.IdleInterval = 10 * time.Second
	}
	if out.ErrorBackoff <= 0 {
		out.ErrorBackoff = 10 * time.Second
	}
	if out.RecordingDelay <= 0 {
		out.RecordingDelay = 5 * time.Second
	}
	if out.StoreTimeout <= 0 {
		out.StoreTimeout = 10 * time.Second
	}
	return out
}

// Status classifies one iteration.
type Status string

const (
	StatusMiss    Status = "miss"
	StatusHit     Status = "hit"
	StatusStandby Status = "standby"
)

// Result describes what one iteration did.
type Result struct {
	Status        Status
	Record        calls.CallRecord
	RecordingPath string
	Notified      bool
	Uploaded      bool
	Deleted       bool
}

type Monitor struct {
	store      cdrstore.Gateway
	notifier   notify.Notifier
	compressor Compressor
	lease      Lease
	cfg        Config
	log        *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	stat   func(path string) (os.FileInfo, error)
	remove func(path string) error

	stats counters
}

// Option customizes a Monitor.
type Option func(*Monitor)

func WithLease(l Lease) Option {
	return func(m *Monitor) { m.lease = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithSleep replaces the wall-clock sleep. Tests use it to run without waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

func New(store cdrstore.Gateway, notifier notify.Notifier, compressor Compressor, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		store:      store,
		notifier:   notifier,
		compressor: compressor,
		cfg:        cfg.withDefaults(),
		log:        slog.Default(),
		sleep:      sleepContext,
		stat:       os.Stat,
		remove:     os.Remove,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Stats returns a snapshot of the loop counters. Safe for concurrent use.
func (m *Monitor) Stats() Stats { return m.stats.snapshot() }

// Run polls until ctx is cancelled. Cancellation is honored between
// iterations; an iteration that already fetched a row runs to completion so
// the row still gets deleted.
func (m *Monitor) Run(ctx context.Context) error {
	if m.store == nil || m.notifier == nil || m.compressor == nil {
		return errors.New("monitor: store, notifier and compressor are required")
	}
	m.log.Info("monitor started",
		"lookback", m.cfg.Lookback.String(),
		"poll_interval", m.cfg.PollInterval.String(),
		"idle_interval", m.cfg.IdleInterval.String(),
		"recording_root", m.cfg.RecordingRoot,
	)
	defer m.releaseLease()

	for ctx.Err() == nil {
		wait := m.iterate(ctx)
		if err := m.sleep(ctx, wait); err != nil {
			break
		}
	}
	m.log.Info("monitor stopped")
	return nil
}

// iterate runs one guarded iteration and returns how long to sleep after it.
func (m *Monitor) iterate(ctx context.Context) (wait time.Duration) {
	defer func() {
		if p := recover(); p != nil {
			m.stats.update(func(s *Stats) { s.Panics++ })
			m.log.Error("unexpected error in monitoring loop", "panic", fmt.Sprint(p))
			wait = m.cfg.ErrorBackoff
		}
		finished := time.Now()
		m.stats.update(func(s *Stats) { s.LastIterationAt = finished })
	}()

	res, err := m.RunOnce(context.WithoutCancel(ctx))
	if err != nil {
		m.stats.update(func(s *Stats) { s.PollErrors++ })
		m.log.Error("poll failed", "err", err, "backoff", m.cfg.ErrorBackoff.String())
		return m.cfg.ErrorBackoff
	}
	if res.Status == StatusHit {
		return m.cfg.PollInterval
	}
	return m.cfg.IdleInterval
}

// RunOnce performs a single poll and, on a hit, the full report sequence.
// The returned error only covers the poll itself; failures after a row was
// fetched are logged and reflected in Result.
func (m *Monitor) RunOnce(ctx context.Context) (Result, error) {
	if m.lease != nil {
		leaseCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
		owned, err := m.lease.Acquire(leaseCtx)
		cancel()
		if err != nil {
			return Result{}, err
		}
		if !owned {
			m.stats.update(func(s *Stats) { s.Standby++ })
			m.log.Debug("lease held by another instance; standing by")
			return Result{Status: StatusStandby}, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	rec, ok, err := m.store.FetchLatest(fetchCtx, m.cfg.Lookback)
	cancel()
	now := time.Now()
	m.stats.update(func(s *Stats) {
		s.Polls++
		s.LastPollAt = now
	})
	if err != nil {
		return Result{}, err
	}
	if !ok {
		m.stats.update(func(s *Stats) { s.Misses++ })
		return Result{Status: StatusMiss}, nil
	}
	m.stats.update(func(s *Stats) {
		s.Hits++
		s.LastHitAt = now
		s.LastUniqueID = rec.UniqueID
	})

	log := m.log.With("iteration_id", uuid.NewString(), "unique_id", rec.UniqueID)
	ctx = logger.With(ctx, log)
	res := Result{Status: StatusHit, Record: rec}
	log.Info("call record fetched", "src", rec.Source, "dst", rec.Destination, "calldate", rec.CallDate)

	// Report first so the call is announced even if the recording stages fail.
	if err := m.guard(ctx, "notify", func() error {
		return m.notifier.SendEvent(ctx, calls.NewNotificationEvent(rec))
	}); err != nil {
		m.stats.update(func(s *Stats) { s.NotifyFailures++ })
	} else {
		res.Notified = true
		m.stats.update(func(s *Stats) { s.Notified++ })
	}

	if path := rec.RecordingPath(m.cfg.RecordingRoot); path != "" {
		res.RecordingPath = path
		// The recorder finishes writing shortly after the CDR row appears.
		_ = m.sleep(ctx, m.cfg.RecordingDelay)
		_ = m.guard(ctx, "recording", func() error {
			return m.sendRecording(ctx, path, &res)
		})
	}

	delCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	n, err := m.store.Delete(delCtx, rec.UniqueID)
	cancel()
	if err != nil {
		m.stats.update(func(s *Stats) { s.DeleteFailures++ })
		log.Error("delete call record failed; row will be fetched again", "err", err)
		return res, nil
	}
	res.Deleted = true
	m.stats.update(func(s *Stats) { s.Deleted++ })
	log.Info("call record processed", "rows_deleted", n, "notified", res.Notified, "uploaded", res.Uploaded)
	return res, nil
}

// sendRecording compresses and uploads one recording. A compression that
// fails or exceeds the ceiling means "no attachment" and is not an error.
func (m *Monitor) sendRecording(ctx context.Context, path string, res *Result) error {
	log := logger.From(ctx)

	if _, err := m.stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrRecordingNotFound, path)
		}
		return fmt.Errorf("stat recording %s: %w", path, err)
	}

	out, err := m.compressor.Compress(ctx, path, transcode.CompressedPath(path, m.cfg.CompressDir))
	if err != nil {
		log.Warn("recording not attached", "path", path, "err", err)
		return nil
	}

	if err := m.notifier.SendAttachment(ctx, out); err != nil {
		m.stats.update(func(s *Stats) { s.UploadFailures++ })
		return err
	}
	res.Uploaded = true
	m.stats.update(func(s *Stats) { s.Uploaded++ })

	if err := m.remove(out); err != nil {
		log.Warn("remove compressed recording failed", "path", out, "err", err)
	}
	return nil
}

// guard runs one stage, converting errors and panics into a logged error.
func (m *Monitor) guard(ctx context.Context, stage string, fn func() error) (err error) {
	log := logger.From(ctx)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", stage, p)
		}
		if err != nil {
			log.Error("stage failed", "stage", stage, "err", err)
		}
	}()
	return fn()
}

func (m *Monitor) releaseLease() {
	if m.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.lease.Release(ctx); err != nil {
		m.log.Warn("lease release failed", "err", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
