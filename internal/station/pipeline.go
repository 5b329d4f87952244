package station

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/timeutil"
)

// Defaults for the pipeline timers.
const (
	DefaultTickInterval    = time.Millisecond
	DefaultRefreshInterval = 30 * time.Second
)

// PipelineOptions configures a Pipeline. Zero values select the defaults.
type PipelineOptions struct {
	TickInterval    time.Duration
	RefreshInterval time.Duration
	Clock           timeutil.Clock
}

// Pipeline decouples the radio receiver from persistence. Enqueue only
// appends under a mutex; a single worker swaps the pending list out on
// every tick and writes it to the store in index order.
type Pipeline struct {
	engine          *Engine
	clock           timeutil.Clock
	tickInterval    time.Duration
	refreshInterval time.Duration

	mu      sync.Mutex
	pending []PendingItem
	states  []StateReport
	stopped bool

	// workMu serialises RunOnce. retry and retryStates belong to whoever
	// holds it; retained mirrors the length of retry for other readers.
	workMu      sync.Mutex
	retry       []PendingItem
	retryStates []StateReport
	retained    atomic.Int64
	healthy     atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
}

// NewPipeline creates a pipeline feeding engine.
func NewPipeline(engine *Engine, opts PipelineOptions) *Pipeline {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Clock == nil {
		opts.Clock = engine.clock
	}
	p := &Pipeline{
		engine:          engine,
		clock:           opts.Clock,
		tickInterval:    opts.TickInterval,
		refreshInterval: opts.RefreshInterval,
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
	p.healthy.Store(true)
	return p
}

// Enqueue hands a received measurement to the worker. It never blocks on
// I/O and fails only after Stop.
func (p *Pipeline) Enqueue(item PendingItem) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrShutdown
	}
	p.pending = append(p.pending, item)
	n := len(p.pending)
	p.mu.Unlock()

	monitoring.PendingItems.Set(float64(n + int(p.retained.Load())))
	return nil
}

// EnqueueState hands a sensor storage report to the worker, which applies
// it before the next batch of measurements.
func (p *Pipeline) EnqueueState(r StateReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrShutdown
	}
	p.states = append(p.states, r)
	return nil
}

// Start runs the worker until ctx is cancelled or Stop is called. Either
// way one final drain is performed before the worker exits.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(p.done)
		tick := p.clock.NewTicker(p.tickInterval)
		defer tick.Stop()
		refresh := p.clock.NewTicker(p.refreshInterval)
		defer refresh.Stop()

		for {
			select {
			case <-tick.C():
				if err := p.RunOnce(ctx); err != nil {
					monitoring.Logf("[pipeline] %v", err)
				}
			case <-refresh.C():
				if err := p.engine.RefreshConfig(ctx); err != nil {
					monitoring.Logf("[pipeline] config refresh: %v", err)
				}
			case <-ctx.Done():
				p.finalDrain(context.WithoutCancel(ctx))
				return
			case <-p.stopCh:
				p.finalDrain(context.WithoutCancel(ctx))
				return
			}
		}
	}()
}

// Stop rejects further Enqueue calls and waits for the worker's final
// drain. It is safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.started.Load() {
		<-p.done
	}
}

func (p *Pipeline) finalDrain(ctx context.Context) {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if err := p.RunOnce(ctx); err != nil {
		monitoring.Logf("[pipeline] final drain left %d items unpersisted: %v", p.Backlog(), err)
	}
}

// RunOnce performs one worker tick: apply queued state reports, then
// persist everything pending in ascending index order. On a store failure
// the failed item and the rest of the batch are kept for the next tick, as
// are state reports whose floor could not be written. It may be called
// alongside a running worker; ticks never overlap.
func (p *Pipeline) RunOnce(ctx context.Context) error {
	p.workMu.Lock()
	defer p.workMu.Unlock()

	p.mu.Lock()
	batch, states := p.pending, p.states
	p.pending, p.states = nil, nil
	p.mu.Unlock()

	if len(p.retryStates) > 0 {
		states = append(p.retryStates, states...)
		p.retryStates = nil
	}
	stateErr := p.applyStates(ctx, states)

	if len(p.retry) > 0 {
		batch = append(p.retry, batch...)
		p.retry = nil
	}
	if len(batch) == 0 {
		p.retained.Store(0)
		p.healthy.Store(stateErr == nil)
		return stateErr
	}

	slices.SortStableFunc(batch, func(a, b PendingItem) int {
		return cmp.Compare(a.MeasurementIndex, b.MeasurementIndex)
	})
	monitoring.BatchSize.Observe(float64(len(batch)))

	snapshot := p.engine.history.Snapshot()
	for i, item := range batch {
		err := p.engine.persist(ctx, item, snapshot)
		switch {
		case err == nil:
			monitoring.PersistedMeasurements.Inc()
		case errors.Is(err, ErrUnknownSensor):
			monitoring.DroppedItems.WithLabelValues(monitoring.DropUnknownSensor).Inc()
			monitoring.Logf("[pipeline] dropping index %d: %v", item.MeasurementIndex, err)
		default:
			p.retry = append([]PendingItem(nil), batch[i:]...)
			p.retained.Store(int64(len(p.retry)))
			p.healthy.Store(false)
			monitoring.PersistenceFailures.Inc()
			monitoring.PendingItems.Set(float64(p.Backlog()))
			return errors.Join(stateErr, fmt.Errorf("%d items kept for retry: %w", len(p.retry), err))
		}
	}

	p.retained.Store(0)
	p.healthy.Store(stateErr == nil)
	monitoring.PendingItems.Set(float64(p.Backlog()))
	return stateErr
}

// applyStates applies reports in order. Reports for unknown sensors are
// dropped; on a store failure the failed report and those after it are kept
// in retryStates.
func (p *Pipeline) applyStates(ctx context.Context, states []StateReport) error {
	for i, r := range states {
		err := p.engine.applyState(ctx, r)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnknownSensor):
			monitoring.DroppedItems.WithLabelValues(monitoring.DropUnknownSensor).Inc()
			monitoring.Logf("[pipeline] dropping state report: %v", err)
		default:
			p.retryStates = append([]StateReport(nil), states[i:]...)
			monitoring.PersistenceFailures.Inc()
			return fmt.Errorf("%d state reports kept for retry: %w", len(p.retryStates), err)
		}
	}
	return nil
}

// Healthy reports whether the last tick persisted its whole batch.
func (p *Pipeline) Healthy() bool {
	return p.healthy.Load()
}

// Backlog returns the number of measurements queued or held for retry.
func (p *Pipeline) Backlog() int {
	p.mu.Lock()
	n := len(p.pending)
	p.mu.Unlock()
	return n + int(p.retained.Load())
}
