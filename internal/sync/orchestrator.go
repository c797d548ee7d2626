package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/remote"
	"github.com/steveyegge/wisync/internal/resolve"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// Syncer runs sync passes. The watch daemon and the CLI depend on this
// interface rather than on *Orchestrator.
type Syncer interface {
	// Sync runs one pass and returns its report. The report is returned
	// alongside the error when a run fails or is cancelled.
	Sync(ctx context.Context, req Request) (*Report, error)
}

// Request selects what one run does.
type Request struct {
	// Direction defaults to both.
	Direction types.Direction
	// Scope defaults to quick.
	Scope types.Scope
	// DryRun computes and reports the plan without writing anything.
	DryRun bool
	// Types restricts the run. Empty means the configured types.
	Types []string
}

// Locker is the cross-process run lock.
type Locker interface {
	TryLock() (bool, error)
	Unlock() error
}

// Journal persists conflicts that need manual action.
type Journal interface {
	Record(ctx context.Context, runID string, res *types.ConflictResolution) error
	Clear(ctx context.Context, typ, id string) error
}

// Config wires an Orchestrator.
type Config struct {
	Store    cache.Store
	Remote   remote.Adapter
	Resolver resolve.Resolver // default: FieldMerge
	Lock     Locker           // default: in-process lock
	Journal  Journal          // default: conflicts are only reported
	Notifier Notifier
	Logger   *slog.Logger

	Types         []string
	Workers       int           // default: 4
	QuickWindow   time.Duration // default: 24h
	StaleRunAfter time.Duration // default: 1h
	Retry         RetryConfig
	Now           func() time.Time
}

// Orchestrator drives sync runs between a cache store and a remote.
type Orchestrator struct {
	store    cache.Store
	remote   remote.Adapter
	resolver resolve.Resolver
	lock     Locker
	journal  Journal
	notifier Notifier
	logger   *slog.Logger

	types         []string
	workers       int
	quickWindow   time.Duration
	staleRunAfter time.Duration
	retry         RetryConfig
	now           func() time.Time
}

var _ Syncer = (*Orchestrator)(nil)

// New creates an Orchestrator. Store and Remote are required.
//
// Example:
//
//	store, err := cache.OpenFileStore(".wisync/cache")
//	if err != nil {
//	    return err
//	}
//	orch, err := sync.New(sync.Config{
//	    Store:   store,
//	    Remote:  remote.NewMemory(),
//	    Lock:    cache.NewRunLock(store.Root()),
//	    Journal: cache.NewConflictJournal(store.Root()),
//	    Types:   []string{"feature", "story", "task"},
//	})
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, syncerr.Config("sync: a cache store is required")
	}
	if cfg.Remote == nil {
		return nil, syncerr.Config("sync: a remote adapter is required")
	}
	o := &Orchestrator{
		store:         cfg.Store,
		remote:        cfg.Remote,
		resolver:      cfg.Resolver,
		lock:          cfg.Lock,
		journal:       cfg.Journal,
		notifier:      cfg.Notifier,
		logger:        cfg.Logger,
		types:         append([]string(nil), cfg.Types...),
		workers:       cfg.Workers,
		quickWindow:   cfg.QuickWindow,
		staleRunAfter: cfg.StaleRunAfter,
		retry:         cfg.Retry,
		now:           cfg.Now,
	}
	if o.resolver == nil {
		o.resolver = resolve.FieldMerge{}
	}
	if o.lock == nil {
		o.lock = &localLock{}
	}
	if o.journal == nil {
		o.journal = nopJournal{}
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "sync")
	}
	if o.workers <= 0 {
		o.workers = 4
	}
	if o.quickWindow <= 0 {
		o.quickWindow = 24 * time.Hour
	}
	if o.staleRunAfter <= 0 {
		o.staleRunAfter = time.Hour
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Sync runs one pass.
//
// Item-scoped failures are collected in the report and do not fail the
// run. A run fails on configuration errors, when another run holds the
// cache, when metadata cannot be read or written, and when the remote
// cannot list changes.
func (o *Orchestrator) Sync(ctx context.Context, req Request) (*Report, error) {
	start := o.now().UTC()
	if req.Direction == "" {
		req.Direction = types.DirectionBoth
	}
	if req.Scope == "" {
		req.Scope = types.ScopeQuick
	}
	if len(req.Types) == 0 {
		req.Types = o.types
	}

	runID := uuid.NewString()
	logger := o.logger.With("run", runID)
	rt := newRetryer(o.retry)
	createRetry := newRetryer(o.retry)
	createRetry.cfg.RetryIf = func(err error) bool { return errors.Is(err, syncerr.ErrRateLimited) }

	r := &run{
		o:           o,
		req:         req,
		runID:       runID,
		start:       start,
		rep:         newReport(runID, req, start),
		phases:      newPhaseTracker(logger),
		logger:      logger,
		retry:       rt,
		createRetry: createRetry,
		locks:       newKeyedMutex(),
	}
	return r.execute(ctx)
}

// run is the state of one Sync call.
type run struct {
	o      *Orchestrator
	req    Request
	runID  string
	start  time.Time
	rep    *Report
	phases *phaseTracker
	logger *slog.Logger

	retry       *retryer
	createRetry *retryer
	locks       *keyedMutex

	window remote.Window
	prev   *types.SyncMetadata
	// claimed is set once this run has marked the metadata as running, and
	// so owns it.
	claimed bool
}

func (r *run) execute(ctx context.Context) (*Report, error) {
	if err := r.phases.transition(PhaseScoping); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.validate(); err != nil {
		return r.fail(ctx, err)
	}

	locked, err := r.o.lock.TryLock()
	if err != nil {
		return r.fail(ctx, syncerr.New(syncerr.CodeCacheIO, "sync.lock", err))
	}
	if !locked {
		return r.fail(ctx, syncerr.Newf(syncerr.CodeRunInProgress, "sync.lock", "another run holds the cache"))
	}
	defer func() {
		if err := r.o.lock.Unlock(); err != nil {
			r.logger.Warn("failed to release run lock", "error", err)
		}
	}()

	if err := r.scope(ctx); err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}
		return r.fail(ctx, err)
	}
	r.logger.Info("sync started", "direction", r.req.Direction, "scope", r.req.Scope,
		"window", r.window, "types", r.req.Types, "dry_run", r.req.DryRun)
	r.notify(Event{Kind: EventRunStarted, Phase: PhaseScoping})

	// Fetching
	if err := r.phases.transition(PhaseFetching); err != nil {
		return r.fail(ctx, err)
	}
	var items []*planItem
	for _, typ := range r.req.Types {
		found, err := r.candidates(ctx, typ)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancel(ctx)
			}
			return r.fail(ctx, err)
		}
		items = append(items, found...)
	}
	if err := r.forEach(ctx, items, r.fetchItem); err != nil {
		return r.fail(ctx, err)
	}
	if ctx.Err() != nil {
		return r.cancel(ctx)
	}
	items = live(items)

	// Reconciling
	if err := r.phases.transition(PhaseReconciling); err != nil {
		return r.fail(ctx, err)
	}
	for _, it := range items {
		r.reconcileItem(it)
	}

	// Resolving
	if err := r.phases.transition(PhaseResolving); err != nil {
		return r.fail(ctx, err)
	}
	var work []*planItem
	for _, it := range items {
		r.resolveItem(it)
		r.recordPlan(it)
		if it.action == ActionNone || it.action == ActionSkip {
			r.rep.finished(it.outcome.Classification)
			continue
		}
		work = append(work, it)
	}
	if ctx.Err() != nil {
		return r.cancel(ctx)
	}

	if r.req.DryRun {
		return r.finish(ctx)
	}

	// Applying
	if err := r.phases.transition(PhaseApplying); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.forEach(ctx, work, r.applyItem); err != nil {
		return r.fail(ctx, err)
	}
	if ctx.Err() != nil {
		return r.cancel(ctx)
	}
	return r.finish(ctx)
}

func (r *run) validate() error {
	if _, err := types.ParseDirection(string(r.req.Direction)); err != nil {
		return syncerr.New(syncerr.CodeInvalidConfig, "sync", err)
	}
	if _, err := types.ParseScope(string(r.req.Scope)); err != nil {
		return syncerr.New(syncerr.CodeInvalidConfig, "sync", err)
	}
	if len(r.req.Types) == 0 {
		return syncerr.Config("no item types to sync")
	}
	for _, typ := range r.req.Types {
		if err := types.ValidateType(typ); err != nil {
			return syncerr.New(syncerr.CodeInvalidConfig, "sync", err)
		}
	}
	return nil
}

// scope reads the previous metadata, checks for a live run and claims the
// metadata for this one.
func (r *run) scope(ctx context.Context) error {
	meta, err := r.o.store.ReadMetadata(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync metadata: %w", err)
	}
	if meta.InProgress(r.start, r.o.staleRunAfter) {
		return syncerr.Newf(syncerr.CodeRunInProgress, "sync.scope",
			"run %s started at %s is still marked running", meta.RunID, meta.StartedAt.Format(time.RFC3339))
	}
	if meta.State == types.RunStateRunning {
		r.logger.Warn("overriding stale running state", "previous_run", meta.RunID, "started_at", meta.StartedAt)
	}
	r.prev = meta

	if r.req.Scope == types.ScopeQuick {
		r.window = remote.Since(r.start.Add(-r.o.quickWindow))
	} else {
		r.window = remote.All()
	}
	r.rep.Window = r.window.String()

	if r.req.DryRun {
		return nil
	}
	if err := r.o.store.WriteMetadata(ctx, r.metadata(types.RunStateRunning)); err != nil {
		return fmt.Errorf("failed to claim sync metadata: %w", err)
	}
	r.claimed = true
	return nil
}

// forEach runs fn over items on the worker pool. fn reports item failures
// itself and returns only fatal errors, which stop the pool.
func (r *run) forEach(ctx context.Context, items []*planItem, fn func(context.Context, *planItem) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.workers)
	for _, it := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return fn(gctx, it)
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func live(items []*planItem) []*planItem {
	out := items[:0]
	for _, it := range items {
		if !it.dropped {
			out = append(out, it)
		}
	}
	return out
}

// metadata builds the metadata document describing this run in state.
func (r *run) metadata(state types.RunState) *types.SyncMetadata {
	m := types.SyncMetadata{}
	if r.prev != nil {
		m = *r.prev
	}
	m.RunID = r.runID
	m.State = state
	m.StartedAt = r.start
	m.Mode = r.req.Scope
	m.Direction = r.req.Direction
	m.ScopeWindow = r.window.String()
	if state == types.RunStateRunning {
		return &m
	}

	now := r.o.now().UTC()
	m.LastRunAt = now
	m.Elapsed = now.Sub(r.start).Round(time.Millisecond).String()
	m.Errored = r.rep.Totals().Errored
	m.ClassCounts = r.rep.classCounts()
	if state == types.RunStateFinalized {
		m.LastSyncAt = r.start
	}
	return &m
}

// writeFinal records the end state. It runs even when ctx is cancelled so a
// cancelled run still leaves truthful metadata.
func (r *run) writeFinal(ctx context.Context, state types.RunState) error {
	if !r.claimed || r.req.DryRun {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	m := r.metadata(state)
	if stats, err := r.o.store.Stats(ctx); err != nil {
		r.logger.Warn("failed to collect cache stats", "error", err)
	} else {
		m.CacheSizeBytes = stats.SizeBytes
		m.ItemCounts = stats.Items
	}
	if err := r.o.store.WriteMetadata(ctx, m); err != nil {
		return fmt.Errorf("failed to write sync metadata: %w", err)
	}
	return nil
}

func (r *run) finish(ctx context.Context) (*Report, error) {
	if err := r.writeFinal(ctx, types.RunStateFinalized); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.phases.transition(PhaseFinalized); err != nil {
		return r.fail(ctx, err)
	}
	r.done(nil)
	t := r.rep.Totals()
	r.logger.Info("sync finished",
		"downloaded", t.Downloaded, "uploaded", t.Uploaded, "conflicts", t.Conflicts,
		"auto_resolved", t.AutoResolved, "deleted", t.Deleted, "skipped", t.Skipped,
		"unchanged", t.Unchanged, "errored", t.Errored, "elapsed", r.rep.Elapsed)
	return r.rep, nil
}

func (r *run) fail(ctx context.Context, err error) (*Report, error) {
	if terr := r.phases.transition(PhaseFailed); terr != nil {
		r.logger.Error("phase tracking broken", "error", terr)
	}
	if werr := r.writeFinal(ctx, types.RunStateFailed); werr != nil {
		r.logger.Error("failed to record failed run", "error", werr)
	}
	r.done(err)
	r.logger.Error("sync failed", "code", syncerr.CodeOf(err), "error", err)
	return r.rep, err
}

func (r *run) cancel(ctx context.Context) (*Report, error) {
	if err := r.phases.transition(PhaseCancelled); err != nil {
		r.logger.Error("phase tracking broken", "error", err)
	}
	if err := r.writeFinal(ctx, types.RunStateCancelled); err != nil {
		r.logger.Error("failed to record cancelled run", "error", err)
	}
	r.done(ctx.Err())
	t := r.rep.Totals()
	r.logger.Warn("sync cancelled", "applied", t.Downloaded+t.Uploaded+t.Deleted)
	return r.rep, ctx.Err()
}

// done stamps the report and publishes the final event.
func (r *run) done(err error) {
	r.rep.sortEntries()
	r.rep.Phase = r.phases.current()
	r.rep.Elapsed = r.o.now().UTC().Sub(r.start)
	t := r.rep.Totals()
	ev := Event{Kind: EventRunFinished, Phase: r.rep.Phase, Totals: &t}
	if err != nil {
		ev.Error = err.Error()
	}
	r.notify(ev)
}

func (r *run) notify(e Event) {
	if r.o.notifier == nil {
		return
	}
	e.RunID = r.runID
	if e.At.IsZero() {
		e.At = r.o.now().UTC()
	}
	r.o.notifier.Notify(e)
}

// localLock rejects overlapping runs within one process.
type localLock struct {
	mu gosync.Mutex
}

func (l *localLock) TryLock() (bool, error) { return l.mu.TryLock(), nil }

func (l *localLock) Unlock() error {
	l.mu.Unlock()
	return nil
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, string, *types.ConflictResolution) error { return nil }
func (nopJournal) Clear(context.Context, string, string) error                     { return nil }
