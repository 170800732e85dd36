package ddns

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/easzlab/ezhole/pkg/metrics"
	"github.com/easzlab/ezhole/pkg/nat"
	"go.uber.org/zap"
)

// SyncState is the per-record synchronization status.
type SyncState string

const (
	StatePending SyncState = "pending"
	StateSynced  SyncState = "synced"
	StateFailed  SyncState = "failed"
)

// SyncStatus is a snapshot of one record's state, for inspection and tests.
type SyncStatus struct {
	State   SyncState
	Content string
	Port    uint16
	Reason  string
}

// ReconcilerOptions bounds the retry behavior of failed upserts.
type ReconcilerOptions struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	CallTimeout    time.Duration
}

// recordState tracks the desired target and sync progress of one record.
// The generation counter increments on every desired-state computation;
// in-flight calls and scheduled retries carry the generation they were
// created for and drop themselves when it is no longer current, so a stale
// update can never overwrite a newer one.
type recordState struct {
	target     RecordTarget
	state      SyncState
	reason     string
	generation uint64
}

// Reconciler converges DNS records to the desired state derived from binding
// events. The address record and the SRV record are reconciled independently
// and concurrently; updates for one record apply strictly in event order.
type Reconciler struct {
	provider Provider
	spec     RecordSpec
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	opts    ReconcilerOptions
	records map[Key]*recordState
	wg      sync.WaitGroup
}

// NewReconciler creates a Reconciler. The clock is injectable for tests.
func NewReconciler(provider Provider, spec RecordSpec, opts ReconcilerOptions, m *metrics.Metrics, clk clock.Clock, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		provider: provider,
		spec:     spec,
		opts:     opts,
		metrics:  m,
		clock:    clk,
		logger:   logger,
		records:  make(map[Key]*recordState),
	}
}

// Run consumes binding events until the channel closes or the context is
// cancelled, then waits for in-flight syncs to finish.
func (r *Reconciler) Run(ctx context.Context, events <-chan nat.BindingEvent) {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.Apply(ctx, event)
		}
	}
}

// Wait blocks until all in-flight record syncs have completed or given up.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// SetOptions replaces the retry tunables. Syncs already in flight keep the
// options they started with.
func (r *Reconciler) SetOptions(opts ReconcilerOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = opts
}

func (r *Reconciler) options() ReconcilerOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// Apply recomputes the desired record set for one binding event and launches
// a sync for every record whose desired content is not already in place.
func (r *Reconciler) Apply(ctx context.Context, event nat.BindingEvent) {
	for _, target := range r.spec.TargetsFor(event) {
		key := target.Key()

		r.mu.Lock()
		state, exists := r.records[key]
		if !exists {
			state = &recordState{}
			r.records[key] = state
		}
		if state.state == StateSynced && state.target.Content == target.Content && state.target.Port == target.Port {
			r.mu.Unlock()
			r.logger.Debug("record already synced, skipping",
				zap.String("record", key.String()),
				zap.String("content", target.Content),
			)
			continue
		}
		// A newer desired state supersedes any in-flight call or pending
		// retry for this record.
		state.generation++
		state.target = target
		state.state = StatePending
		state.reason = ""
		generation := state.generation
		r.mu.Unlock()

		r.wg.Add(1)
		go func(target RecordTarget, generation uint64) {
			defer r.wg.Done()
			r.sync(ctx, target, generation)
		}(target, generation)
	}
}

// sync pushes one desired target to the provider, retrying retryable failures
// with backoff up to the configured cap. Every step first checks that the
// generation is still current and gives up silently otherwise.
func (r *Reconciler) sync(ctx context.Context, target RecordTarget, generation uint64) {
	key := target.Key()
	opts := r.options()
	backoff := opts.BackoffInitial

	for attempt := 0; ; attempt++ {
		if !r.isCurrent(key, generation) {
			r.logger.Debug("dropping superseded sync", zap.String("record", key.String()))
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
		err := r.provider.UpsertRecord(callCtx, target)
		cancel()

		result := "success"
		if err != nil {
			result = "failure"
		}
		r.metrics.DNSSyncs.WithLabelValues(string(target.Type), result).Inc()

		if err == nil {
			if r.commit(key, generation, StateSynced, "") {
				r.logger.Info("record synced",
					zap.String("record", key.String()),
					zap.String("content", target.Content),
					zap.Uint16("port", target.Port),
				)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		retryable := Retryable(err)
		if !retryable || attempt >= opts.MaxRetries {
			if r.commit(key, generation, StateFailed, err.Error()) {
				r.logger.Error("record sync failed",
					zap.String("record", key.String()),
					zap.Bool("retryable", retryable),
					zap.Int("attempts", attempt+1),
					zap.Error(err),
				)
			}
			return
		}

		r.logger.Warn("record sync failed, retrying",
			zap.String("record", key.String()),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := r.clock.Timer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > opts.BackoffMax {
			backoff = opts.BackoffMax
		}
	}
}

// isCurrent reports whether the generation is still the newest desired state
// for the record.
func (r *Reconciler) isCurrent(key Key, generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, exists := r.records[key]
	return exists && state.generation == generation
}

// commit records the outcome of a sync attempt unless it has been superseded.
// Returns false when the result was stale and dropped.
func (r *Reconciler) commit(key Key, generation uint64, result SyncState, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, exists := r.records[key]
	if !exists || state.generation != generation {
		return false
	}
	state.state = result
	state.reason = reason
	return true
}

// Status returns a snapshot of every record's sync status.
func (r *Reconciler) Status() map[Key]SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[Key]SyncStatus, len(r.records))
	for key, state := range r.records {
		snapshot[key] = SyncStatus{
			State:   state.state,
			Content: state.target.Content,
			Port:    state.target.Port,
			Reason:  state.reason,
		}
	}
	return snapshot
}
