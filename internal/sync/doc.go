// Package sync reconciles the local work-item cache with the remote tracker.
//
// Overview
//
// One call to Orchestrator.Sync is a run. A run picks the items to look at,
// loads each one from the cache and fetches it from the remote, classifies
// the pair with the reconciliation engine, settles conflicts with the
// configured resolver and then writes the result to the cache, the remote
// or the conflict journal. Every run ends with a Report and, unless it is a
// dry run, with updated sync metadata.
//
// Architecture
//
//	              Sync(Request)
//	                   |
//	   Idle -> Scoping -> Fetching -> Reconciling -> Resolving -> Applying -> Finalized
//	              |          |            |             |            |
//	              +----------+------------+-------------+------------+--> Failed | Cancelled
//
//	   Scoping      validate the request, take the run lock, claim metadata
//	   Fetching     list changed ids, load + fetch each item on the worker pool
//	   Reconciling  reconcile.Reconcile per item
//	   Resolving    resolve.Resolver per conflict, pick one Action per item
//	   Applying     carry out the plan on the worker pool (skipped in dry runs)
//
// Actions
//
//	download   remote version written to the cache as synced
//	upload     local version written through the remote, result cached
//	rebase     merged fields kept as local edits on the remote version
//	tombstone  remote deletion recorded on a clean local record
//	manual     conflict written to the journal, item left alone
//	skip       change flows the other way than the requested direction
//
// Usage
//
//	orch, err := sync.New(sync.Config{
//	    Store:   store,
//	    Remote:  adapter,
//	    Lock:    cache.NewRunLock(root),
//	    Journal: cache.NewConflictJournal(root),
//	    Types:   []string{"feature", "story", "task"},
//	})
//	if err != nil {
//	    return err
//	}
//
//	report, err := orch.Sync(ctx, sync.Request{
//	    Direction: types.DirectionBoth,
//	    Scope:     types.ScopeFull,
//	})
//	if err != nil {
//	    return err
//	}
//	if !report.Clean() {
//	    // unresolved conflicts or item errors
//	}
//
// Conflicts left for manual action are settled later, one item at a time:
//
//	action, err := orch.Settle(ctx, "task", "T-12", types.StrategyRemoteWins)
//
// Error Handling
//
// Failures of one item never fail the run:
//
//   - Transient and rate-limited remote errors are retried with backoff
//   - Items that still fail are listed in Report.Errors
//   - Unreadable cache records are treated as absent and fetched again
//
// A run fails on configuration errors, when another run holds the cache,
// when the remote cannot list changes, and when metadata cannot be read or
// written. The report is returned with the error.
//
// Concurrency
//
// Fetching and Applying use a bounded errgroup pool. Writes to one item are
// serialised with a keyed mutex, and each write re-reads the cached record
// first: if it moved since planning, the item is reconciled again against
// the same remote snapshot before anything is written.
//
// Runs on the same cache exclude each other through the run lock and the
// running state recorded in metadata.
package sync
