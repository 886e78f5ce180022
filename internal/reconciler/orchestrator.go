// Package reconciler drives the synchronization loop: it pulls normalized
// decisions, computes the desired member set per container kind and walks
// every configured service through its version lifecycle, isolating failures
// so one broken service never blocks the rest.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"palisade/internal/acl"
	"palisade/internal/config"
	"palisade/internal/decision"
	"palisade/internal/domain"
	"palisade/internal/edge"
	"palisade/internal/metrics"
	"palisade/internal/state"
)

// Feed supplies decision events. When full is true the feed returns the
// complete current decision set instead of a delta; the orchestrator then
// rebuilds its decision state from scratch.
type Feed interface {
	Pull(ctx context.Context, full bool) ([]decision.Event, error)
}

// APIFactory builds the edge API client bound to one account's credential.
type APIFactory func(account config.Account) edge.API

type serviceRunner struct {
	account     string
	svc         *edge.Service
	inflight    atomic.Bool
	unavailable atomic.Bool
}

// Orchestrator owns the accounts and services for the process lifetime.
type Orchestrator struct {
	cfg     config.Config
	feed    Feed
	store   *state.Store
	metrics *metrics.Metrics
	runners []*serviceRunner

	mu            sync.Mutex
	decisions     domain.DecisionSet
	lastFullSync  time.Time
	forceFullSync bool
}

// New builds the orchestrator, seeding each service from the on-disk cache.
// A corrupt cache is not fatal: the agent starts empty and schedules a full
// reconciliation to re-learn remote state.
func New(cfg config.Config, feed Feed, newAPI APIFactory, store *state.Store, m *metrics.Metrics) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		feed:      feed,
		store:     store,
		metrics:   m,
		decisions: make(domain.DecisionSet),
	}

	doc, err := store.Load()
	if err != nil {
		if !errors.Is(err, state.ErrCorrupt) {
			return nil, err
		}
		log.Warn("Cache unreadable, starting empty and scheduling full reconciliation", "error", err)
		o.forceFullSync = true
	}
	doc.Prune(cfg.ServiceIDs())

	for _, account := range cfg.Accounts {
		api := newAPI(account)
		for _, svcCfg := range account.Services {
			svc := edge.NewService(edge.Config{
				ID:                  svcCfg.ID,
				Activate:            svcCfg.Activate,
				ReferenceVersion:    svcCfg.ReferenceVersion,
				Capacity:            svcCfg.MaxItems,
				MaxContainers:       svcCfg.MaxContainers,
				CaptchaSiteKey:      svcCfg.CaptchaSiteKey,
				CaptchaSecret:       svcCfg.CaptchaSecret,
				CaptchaCookieExpiry: svcCfg.CaptchaCookieExpiry.Duration,
				RetryAttempts:       cfg.RetryAttempts(),
				RetryBackoff:        cfg.RetryBackoff(),
			}, api)
			if snap, ok := doc.Services[svcCfg.ID]; ok {
				svc.Restore(snap)
				log.Info("Restored service state from cache", "service", svcCfg.ID)
			}
			o.runners = append(o.runners, &serviceRunner{account: account.Name, svc: svc})
		}
	}
	return o, nil
}

// Run executes reconciliation cycles at the configured interval until the
// context ends. The first cycle pulls the full decision set; later cycles
// pull deltas, with a periodic full pull that also re-reads remote state.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info("Reconciler started",
		"services", len(o.runners),
		"interval", o.cfg.UpdateFrequency.Duration,
		"full_reconcile", o.cfg.FullReconcileInterval.Duration)

	o.cycle(ctx, true)

	ticker := time.NewTicker(o.cfg.UpdateFrequency.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Reconciler stopping, waiting for in-flight cycles")
			o.drain()
			return ctx.Err()
		case <-ticker.C:
			o.cycle(ctx, false)
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context, startup bool) {
	o.mu.Lock()
	full := startup || o.forceFullSync ||
		time.Since(o.lastFullSync) >= o.cfg.FullReconcileInterval.Duration
	o.mu.Unlock()

	events, err := o.feed.Pull(ctx, full)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error("Decision feed pull failed, keeping previous decision set", "error", err)
		o.metrics.IncFailure("feed", "pull")
		return
	}

	now := time.Now()
	ops := decision.Normalize(events, decision.Filters{
		Origins:          o.cfg.Feed.Origins,
		IncludeScenarios: o.cfg.Feed.IncludeScenarios,
		ExcludeScenarios: o.cfg.Feed.ExcludeScenarios,
	}, now)

	desired := o.applyOps(ops, full, now)

	var wg errgroup.Group
	wg.SetLimit(o.cfg.Workers)
	for _, runner := range o.runners {
		runner := runner
		wg.Go(func() error {
			o.runService(ctx, runner, desired, full)
			return nil
		})
	}
	_ = wg.Wait()

	if full {
		o.mu.Lock()
		o.lastFullSync = now
		o.forceFullSync = false
		o.mu.Unlock()
	}

	if err := o.saveCache(); err != nil {
		log.Error("Failed to persist reconciliation cache", "error", err)
		o.metrics.IncFailure("cache", "save")
	}
}

// applyOps folds normalized operations into the decision set and returns the
// desired member set per container kind. On a full pull the previous set is
// replaced outright so deletions the agent missed still converge.
func (o *Orchestrator) applyOps(ops []decision.Op, full bool, now time.Time) map[acl.Kind]map[string]struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	if full {
		o.decisions = make(domain.DecisionSet, len(ops))
	}
	for _, op := range ops {
		switch op.Kind {
		case decision.OpAdd:
			o.decisions.Add(op.Decision)
		case decision.OpRemove:
			o.decisions.Remove(op.Decision)
		}
	}
	if dropped := o.decisions.DropExpired(now); dropped > 0 {
		log.Debug("Dropped expired decisions", "count", dropped)
	}

	desired := make(map[acl.Kind]map[string]struct{})
	counts := map[domain.Action]int{domain.ActionBan: 0, domain.ActionCaptcha: 0}
	for _, d := range o.decisions {
		kind := acl.KindFor(d.Action, d.Scope)
		if desired[kind] == nil {
			desired[kind] = make(map[string]struct{})
		}
		desired[kind][d.Value] = struct{}{}
		counts[d.Action]++
	}
	for action, count := range counts {
		o.metrics.SetDecisionsEnforced(string(action), count)
	}
	return desired
}

// runService executes one service's cycle. A service already mid-cycle skips
// the tick rather than overlapping it; a service marked unavailable after an
// auth failure is never retried until restart.
func (o *Orchestrator) runService(ctx context.Context, runner *serviceRunner, desired map[acl.Kind]map[string]struct{}, full bool) {
	svc := runner.svc
	if runner.unavailable.Load() {
		return
	}
	if !runner.inflight.CompareAndSwap(false, true) {
		log.Debug("Skipping tick, previous cycle still in flight", "service", svc.ID())
		return
	}
	defer runner.inflight.Store(false)

	start := time.Now()

	if full {
		if err := svc.SyncRemote(ctx); err != nil {
			o.recordFailure(runner, err)
			o.metrics.ObserveCycle(svc.ID(), "failed", time.Since(start).Seconds())
			return
		}
	}

	res, err := svc.Apply(ctx, desired)
	o.metrics.AddContainerWrites(svc.ID(), res.ContainerWrites)
	for _, value := range res.CapacityExhausted {
		o.metrics.IncFailure(svc.ID(), "capacity_exhausted")
		log.Error("Decision not enforced, no container capacity left",
			"service", svc.ID(), "value", value)
	}

	if err != nil {
		o.recordFailure(runner, err)
		o.metrics.ObserveCycle(svc.ID(), "failed", time.Since(start).Seconds())
		return
	}

	o.metrics.ObserveCycle(svc.ID(), "ok", time.Since(start).Seconds())
	log.Debug("Service cycle complete",
		"service", svc.ID(), "state", res.State,
		"container_writes", res.ContainerWrites,
		"snippet_writes", res.SnippetWrites,
		"activated", res.Activated)
}

func (o *Orchestrator) recordFailure(runner *serviceRunner, err error) {
	svc := runner.svc
	kind := "remote"
	switch {
	case edge.IsAuth(err):
		kind = "auth"
		runner.unavailable.Store(true)
		log.Error("Credential rejected, marking service unavailable until restart",
			"service", svc.ID(), "account", runner.account, "error", err)
	case edge.IsConflict(err):
		kind = "conflict"
		log.Warn("Cycle abandoned after version conflict", "service", svc.ID(), "error", err)
	case edge.IsTransient(err):
		kind = "transient"
		log.Warn("Cycle failed on transient error, will retry next tick",
			"service", svc.ID(), "error", err)
	default:
		log.Error("Service cycle failed", "service", svc.ID(), "error", err)
	}
	o.metrics.IncFailure(svc.ID(), kind)
}

// saveCache snapshots every service and atomically replaces the cache file.
func (o *Orchestrator) saveCache() error {
	doc := state.NewDocument()
	for _, runner := range o.runners {
		doc.Services[runner.svc.ID()] = runner.svc.Snapshot()
	}
	return o.store.Save(doc)
}

// drain waits for in-flight cycles to reach a safe state before shutdown.
func (o *Orchestrator) drain() {
	deadline := time.After(30 * time.Second)
	for {
		busy := 0
		for _, runner := range o.runners {
			if runner.inflight.Load() {
				busy++
			}
		}
		if busy == 0 {
			if err := o.saveCache(); err != nil {
				log.Error("Failed to persist cache during shutdown", "error", err)
			}
			return
		}
		select {
		case <-deadline:
			log.Warn("Shutdown timeout with cycles still in flight", "count", busy)
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
