package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stepflow/pkg/api"
)

type subStep struct {
	def *api.StepDefinition
	ref stepRef
}

// writeGuard enforces disjoint writes between sub-steps of one concurrent
// fan-out: a key may only be written by the sub-step that wrote it first.
type writeGuard struct {
	mu     sync.Mutex
	owners map[string]string
}

func newWriteGuard() *writeGuard {
	return &writeGuard{owners: make(map[string]string)}
}

func (g *writeGuard) claim(step string, data map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for k := range data {
		if owner, ok := g.owners[k]; ok && owner != step {
			return fmt.Errorf("key %q is also written by %q", k, owner)
		}
	}
	for k := range data {
		g.owners[k] = step
	}
	return nil
}

func (e *Executor) runStrategy(ctx context.Context, f *Flow, scope api.ServiceScope, cfg *api.DynamicBranchingConfig, jobs []subStep) error {
	if len(jobs) == 0 {
		return nil
	}
	switch cfg.Strategy {
	case api.StrategyParallel:
		return e.runParallel(ctx, f, scope, jobs)
	case api.StrategyRoundRobin:
		return e.runRoundRobin(ctx, f, scope, jobs)
	case api.StrategyBatched:
		return e.runBatched(ctx, f, scope, jobs, cfg.MaxConcurrency, cfg.BatchDelay)
	case api.StrategyPriorityBased:
		return e.runByPriority(ctx, f, scope, jobs)
	default:
		return e.runSequential(ctx, f, scope, jobs, nil)
	}
}

func (e *Executor) runSub(ctx context.Context, f *Flow, scope api.ServiceScope, s subStep, guard *writeGuard) error {
	_, err := e.executeStep(ctx, f, scope, s.ref, s.def, guard)
	e.notifyStep(ctx, f, s.ref)
	return err
}

func (e *Executor) runSequential(ctx context.Context, f *Flow, scope api.ServiceScope, jobs []subStep, guard *writeGuard) error {
	for _, s := range jobs {
		if err := e.runSub(ctx, f, scope, s, guard); err != nil {
			return err
		}
	}
	return nil
}

// runParallel starts every sub-step at once and waits for all of them.
func (e *Executor) runParallel(ctx context.Context, f *Flow, scope api.ServiceScope, jobs []subStep) error {
	guard := newWriteGuard()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range jobs {
		g.Go(func() error {
			return e.runSub(gctx, f, scope, s, guard)
		})
	}
	return g.Wait()
}

// runRoundRobin groups sub-steps by Resource. Groups run concurrently;
// the sub-steps of one group run in order.
func (e *Executor) runRoundRobin(ctx context.Context, f *Flow, scope api.ServiceScope, jobs []subStep) error {
	var order []string
	groups := make(map[string][]subStep)
	for _, s := range jobs {
		r := s.def.Resource
		if _, ok := groups[r]; !ok {
			order = append(order, r)
		}
		groups[r] = append(groups[r], s)
	}

	guard := newWriteGuard()
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range order {
		group := groups[r]
		g.Go(func() error {
			return e.runSequential(gctx, f, scope, group, guard)
		})
	}
	return g.Wait()
}

// runBatched runs chunks of at most size sub-steps concurrently, waiting
// delay between chunks.
func (e *Executor) runBatched(ctx context.Context, f *Flow, scope api.ServiceScope, jobs []subStep, size int, delay time.Duration) error {
	if size <= 0 {
		size = api.DefaultMaxConcurrency
	}

	guard := newWriteGuard()
	for start := 0; start < len(jobs); start += size {
		if start > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		end := min(start+size, len(jobs))
		g, gctx := errgroup.WithContext(ctx)
		for _, s := range jobs[start:end] {
			g.Go(func() error {
				return e.runSub(gctx, f, scope, s, guard)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// runByPriority runs sub-steps one by one, highest Priority first. Equal
// priorities keep their generated order.
func (e *Executor) runByPriority(ctx context.Context, f *Flow, scope api.ServiceScope, jobs []subStep) error {
	sorted := slices.Clone(jobs)
	slices.SortStableFunc(sorted, func(a, b subStep) int {
		return cmp.Compare(b.def.Priority, a.def.Priority)
	})
	return e.runSequential(ctx, f, scope, sorted, nil)
}
