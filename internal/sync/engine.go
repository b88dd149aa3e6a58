package sync

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sofiatracker/syncengine/internal/model"
)

const metricVerdicts = "sofiasync.trigger.verdicts"

// Verdict is the outcome of one scheduled job, as a host job system sees it.
type Verdict int

const (
	VerdictSuccess Verdict = iota
	// VerdictRetry means try again after a backoff: the network was
	// unavailable or the pass ended in Error.
	VerdictRetry
	// VerdictFailure means the pass failed in a way a retry will not fix.
	VerdictFailure
)

func (v Verdict) String() string {
	switch v {
	case VerdictSuccess:
		return "success"
	case VerdictRetry:
		return "retry"
	default:
		return "failure"
	}
}

// Runner runs one full pass. Implemented by [Manager].
type Runner interface {
	Run(ctx context.Context, emit func(Result)) Result
}

// Watcher streams the remote collection. Implemented by [remote.Client] and
// [remote.Memory].
type Watcher interface {
	Subscribe(ctx context.Context, fn func([]*model.RemoteEvent)) error
}

// EngineConfig controls pass cadence and retry backoff.
type EngineConfig struct {
	// Interval between periodic passes.
	Interval time.Duration
	// StartupDelay before the first pass.
	StartupDelay time.Duration
	// InitialBackoff and MaxBackoff bound the wait between retries.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetries is how many times a RETRY verdict is retried before the
	// engine waits for the next interval.
	MaxRetries uint
}

// Engine schedules full passes: once at startup, every Interval, whenever
// [Engine.Trigger] is called, and whenever the remote collection changes.
// Create one with [NewEngine] and start it with [Engine.Run].
type Engine struct {
	runner  Runner
	conn    Connectivity
	watcher Watcher
	cfg     EngineConfig
	log     *slog.Logger

	trigger chan struct{}

	cntVerdicts metric.Int64Counter
}

var (
	errRetry   = errors.New("sync pass should be retried")
	errFailure = errors.New("sync pass failed permanently")
)

// NewEngine creates an Engine. conn may be nil (always online). watcher
// may be nil, in which case the engine runs on its interval and triggers
// only.
func NewEngine(runner Runner, conn Connectivity, watcher Watcher, cfg EngineConfig, logger *slog.Logger) *Engine {
	cnt, err := otel.Meter(otelScope).Int64Counter(metricVerdicts,
		metric.WithDescription("Number of scheduled sync jobs by verdict"))
	if err != nil {
		logger.Error("creating OTel counter", "name", metricVerdicts, "error", err)
		cnt = noop.Int64Counter{}
	}
	return &Engine{
		runner:      runner,
		conn:        conn,
		watcher:     watcher,
		cfg:         cfg,
		log:         logger,
		trigger:     make(chan struct{}, 1),
		cntVerdicts: cnt,
	}
}

// Trigger asks for a pass as soon as possible. Calls made while a request
// is already queued are merged.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// RunOnce is one job execution: check connectivity, run a pass, and map
// its outcome to a verdict. Panics are recovered as VerdictFailure.
func (e *Engine) RunOnce(ctx context.Context) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("sync job panicked", "panic", r, "stack", string(debug.Stack()))
			v = VerdictFailure
		}
		e.cntVerdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", v.String())))
	}()

	if e.conn != nil && !e.conn.Available(ctx) {
		e.log.Info("network unavailable, sync deferred")
		return VerdictRetry
	}

	res := e.runner.Run(ctx, func(r Result) {
		if r.Kind == KindProgress {
			e.log.Debug("sync progress", "message", r.Message)
		}
	})

	switch res.Kind {
	case KindSuccess:
		return VerdictSuccess
	case KindError:
		var pe *PanicError
		if errors.As(res.Err, &pe) {
			return VerdictFailure
		}
		return VerdictRetry
	}
	e.log.Error("sync pass ended without a terminal result", "kind", res.Kind.String())
	return VerdictFailure
}

// runWithRetry runs a job and retries RETRY verdicts with exponential
// backoff, at most MaxRetries times.
func (e *Engine) runWithRetry(ctx context.Context) Verdict {
	b := backoff.NewExponentialBackOff()
	if e.cfg.InitialBackoff > 0 {
		b.InitialInterval = e.cfg.InitialBackoff
	}
	if e.cfg.MaxBackoff > 0 {
		b.MaxInterval = e.cfg.MaxBackoff
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.MaxRetries + 1),
		backoff.WithNotify(func(_ error, d time.Duration) {
			e.log.Info("sync will be retried", "in", d)
		}),
	}
	if e.cfg.Interval > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(e.cfg.Interval))
	}

	last := VerdictRetry
	_, err := backoff.Retry(ctx, func() (Verdict, error) {
		last = e.RunOnce(ctx)
		switch last {
		case VerdictRetry:
			return last, errRetry
		case VerdictFailure:
			return last, backoff.Permanent(errFailure)
		}
		return last, nil
	}, opts...)
	if errors.Is(err, errRetry) {
		e.log.Warn("sync retries exhausted, waiting for next interval", "max_retries", e.cfg.MaxRetries)
	}
	return last
}

// Run schedules passes until ctx is cancelled. It always returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	if e.watcher != nil {
		go e.watchRemote(ctx)
	}

	timer := time.NewTimer(e.cfg.StartupDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-timer.C:
		case <-e.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		v := e.runWithRetry(ctx)
		if ctx.Err() != nil {
			continue
		}
		e.log.Info("sync job finished", "verdict", v.String())
		timer.Reset(e.cfg.Interval)
	}
}

// watchRemote triggers a pass whenever the remote collection changes.
// Snapshots identical to the previous one (e.g. after a reconnect) are
// ignored.
func (e *Engine) watchRemote(ctx context.Context) {
	var last snapshotKey
	first := true
	err := e.watcher.Subscribe(ctx, func(docs []*model.RemoteEvent) {
		key := keyOf(docs)
		if !first && key == last {
			return
		}
		first = false
		last = key
		e.log.Debug("remote collection changed", "documents", key.count, "last_modified", key.maxModified)
		e.Trigger()
	})
	if err != nil && ctx.Err() == nil {
		e.log.Error("remote subscription ended unexpectedly", "error", err)
	}
}

type snapshotKey struct {
	count       int
	maxModified int64
}

func keyOf(docs []*model.RemoteEvent) snapshotKey {
	k := snapshotKey{count: len(docs)}
	for _, d := range docs {
		k.maxModified = max(k.maxModified, d.LastModified)
	}
	return k
}
