package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approvals/internal/metrics"
)

// cronParser accepts standard 5-field cron expressions and descriptors like
// "@every 5m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Scheduler periodically sweeps pending approval requests and feeds synthetic
// timeout decisions back into the engine through the same transactional path
// as human decisions. It is purely a liveness mechanism: correctness lives in
// the engine, and a missed or duplicated tick never changes an outcome.
type Scheduler struct {
	store    Store
	engine   *Engine
	notifier Notifier
	log      zerolog.Logger
	schedule cronlib.Schedule
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the scheduler clock.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithSchedulerNotifier sets the escalation notification transport.
func WithSchedulerNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

// NewScheduler creates a Scheduler sweeping on the given cron schedule
// (expression or @every descriptor).
func NewScheduler(store Store, engine *Engine, scheduleExpr string, log zerolog.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	sched, err := cronParser.Parse(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", scheduleExpr, err)
	}
	s := &Scheduler{
		store:    store,
		engine:   engine,
		notifier: NopNotifier{},
		log:      log,
		schedule: sched,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.log.Info().Msg("timeout scheduler started")
}

// Stop signals the loop to exit and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.log.Info().Msg("timeout scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		now := s.now()
		next := s.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if err := s.Sweep(context.Background()); err != nil {
				s.log.Error().Err(err).Msg("timeout sweep failed")
			}
		}
	}
}

// Sweep runs one pass over all timeout/escalation candidates. Exported so
// operators can trigger an on-demand sweep. Per-request failures are logged
// and retried on the next sweep; a single bad request never stops the pass.
func (s *Scheduler) Sweep(ctx context.Context) error {
	start := s.now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	candidates, err := s.store.ListTimeoutCandidates(ctx)
	if err != nil {
		return fmt.Errorf("list timeout candidates: %w", err)
	}

	now := s.now()
	var autoApproved, escalated int
	for _, req := range candidates {
		if timedOut(req, now) {
			if err := s.engine.ApplyTimeout(ctx, req.ID); err != nil {
				metrics.SweepErrors.Inc()
				s.log.Warn().Err(err).
					Str("request_id", req.ID).
					Msg("apply timeout failed; will retry next sweep")
				continue
			}
			autoApproved++
			continue
		}

		if escalatable(req, now) {
			if err := s.escalate(ctx, req, now); err != nil {
				metrics.SweepErrors.Inc()
				s.log.Warn().Err(err).
					Str("request_id", req.ID).
					Msg("escalation failed; will retry next sweep")
				continue
			}
			escalated++
		}
	}

	if autoApproved > 0 || escalated > 0 {
		s.log.Info().
			Int("candidates", len(candidates)).
			Int("auto_approved", autoApproved).
			Int("escalated", escalated).
			Msg("timeout sweep completed")
	}
	return nil
}

// escalate records one escalated history entry and raises a notification.
// Escalation never alters request or instance state; it only raises
// visibility. The escalated_at stamp keeps it from firing twice.
func (s *Scheduler) escalate(ctx context.Context, req *ApprovalRequest, now time.Time) error {
	var inst *Instance
	err := s.store.InTransaction(ctx, func(q Querier) error {
		current, err := q.GetRequestForUpdate(ctx, req.ID)
		if err != nil {
			return err
		}
		// Decided or already escalated since the candidate list was built.
		if current.Status.Terminal() || current.EscalatedAt != nil {
			return nil
		}

		inst, err = q.GetInstance(ctx, current.InstanceID)
		if err != nil {
			return err
		}

		if err := q.MarkRequestEscalated(ctx, current.ID, now); err != nil {
			return err
		}
		comment := fmt.Sprintf("escalated after %dh without a decision", *current.EscalateAfterHours)
		return s.engine.recorder.Append(ctx, q, &HistoryEntry{
			InstanceID: current.InstanceID,
			RequestID:  &current.ID,
			Kind:       EventEscalated,
			Actor:      SystemActor,
			Comment:    &comment,
			RecordedAt: now,
		})
	})
	if err != nil || inst == nil {
		return err
	}

	metrics.Escalations.Inc()
	s.notifier.Notify(ctx, Notification{
		EventType:  NotifyEscalated,
		InstanceID: inst.ID,
		RequestID:  req.ID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Actor:      SystemActor,
		Recipients: []string{req.Approver, inst.Initiator},
	})
	return nil
}

func timedOut(req *ApprovalRequest, now time.Time) bool {
	if req.AutoApproveAfterHours == nil {
		return false
	}
	return !now.Before(req.CreatedAt.Add(time.Duration(*req.AutoApproveAfterHours) * time.Hour))
}

func escalatable(req *ApprovalRequest, now time.Time) bool {
	if req.EscalateAfterHours == nil || req.EscalatedAt != nil {
		return false
	}
	return !now.Before(req.CreatedAt.Add(time.Duration(*req.EscalateAfterHours) * time.Hour))
}
