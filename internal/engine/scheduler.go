package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kavitha/snapseat/internal/humanize"
	"github.com/kavitha/snapseat/internal/observability"
	"github.com/kavitha/snapseat/internal/store"
	"github.com/kavitha/snapseat/pkg/config"
)

// Executor is what the scheduler invokes; *Engine satisfies it.
type Executor interface {
	Seed(ctx context.Context, planID string) error
	Execute(ctx context.Context, planID string, caller Caller) (Outcome, error)
}

// SchedulerStore is the slice of persistence the scheduler needs.
type SchedulerStore interface {
	DuePlans(lookahead time.Duration) ([]*store.Plan, error)
	ClaimPlan(id string) (bool, error)
	SetStatus(id string, status store.Status) error
	AppendLog(planID, note string) error
}

// Scheduler polls for plans whose open time falls inside the lookahead
// window and launches at most one attempt per plan. The conditional claim
// in the store is the sole concurrency control against a manual trigger
// racing the same plan.
type Scheduler struct {
	Store  SchedulerStore
	Exec   Executor
	Logger *observability.Logger
	Cfg    config.EngineConfig

	sem *semaphore.Weighted
}

func NewScheduler(st SchedulerStore, exec Executor, logger *observability.Logger, cfg config.EngineConfig) *Scheduler {
	return &Scheduler{
		Store:  st,
		Exec:   exec,
		Logger: logger,
		Cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Cfg.PollInterval.Std())
	defer ticker.Stop()

	log.Println("Plan scheduler started...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAndLaunch(ctx)
		}
	}
}

func (s *Scheduler) pollAndLaunch(ctx context.Context) {
	plans, err := s.Store.DuePlans(s.Cfg.Lookahead.Std())
	if err != nil {
		log.Printf("Error polling plans: %v", err)
		return
	}

	for _, p := range plans {
		won, err := s.Store.ClaimPlan(p.ID)
		if err != nil {
			log.Printf("Error claiming plan %s: %v", p.ID, err)
			continue
		}
		if !won {
			// A manual trigger or a competing poller got there first.
			continue
		}

		if err := s.Store.AppendLog(p.ID, "execution started (claimed by scheduler)"); err != nil {
			log.Printf("Error logging claim for plan %s: %v", p.ID, err)
		}
		s.Logger.LogClaim(p.ID, p.OpenTime)
		log.Printf("Claimed plan %s (opens %s)", p.ID, p.OpenTime.Format(time.RFC3339))

		go s.runAttempt(ctx, p)
	}
}

// runAttempt drives one claimed plan through seeding, the timed wait, and
// the execution pass. The workflow owns status transitions for every
// outcome it produces; the scheduler only steps in when invoking the
// workflow itself fails, so no plan is ever left silently executing.
func (s *Scheduler) runAttempt(ctx context.Context, p *store.Plan) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	// Seed only when there is room to finish before the timed pass must
	// begin; too close to the open, a cold start beats a late one.
	startAt := p.OpenTime.Add(-s.Cfg.StartMargin.Std())
	if time.Until(startAt) > s.Cfg.SeedLead.Std() {
		if err := s.Exec.Seed(ctx, p.ID); err != nil {
			if logErr := s.Store.AppendLog(p.ID, fmt.Sprintf("seeding pass failed: %v", err)); logErr != nil {
				log.Printf("Error logging seed failure for plan %s: %v", p.ID, logErr)
			}
		}
	}

	if err := humanize.SleepUntil(ctx, startAt); err != nil {
		// Shutdown while waiting; put the plan back so the next process
		// can claim it.
		_ = s.Store.SetStatus(p.ID, store.StatusScheduled)
		return
	}

	out, err := s.Exec.Execute(ctx, p.ID, CallerScheduler)
	if err != nil {
		if setErr := s.Store.SetStatus(p.ID, store.StatusFailed); setErr != nil {
			log.Printf("Error failing plan %s: %v", p.ID, setErr)
		}
		if logErr := s.Store.AppendLog(p.ID, fmt.Sprintf("workflow invocation failed: %v", err)); logErr != nil {
			log.Printf("Error logging workflow failure for plan %s: %v", p.ID, logErr)
		}
		return
	}
	log.Printf("Plan %s finished: %s", p.ID, out.Code)
}
