// Package scheduler implements the Scheduler/Executor (spec §4.6): it
// launches each startup-eligible service exactly once, respecting the
// dependency partial order, running independent services in parallel.
package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inobulles/aquabsd-init/internal/clock"
	"github.com/inobulles/aquabsd-init/internal/domain"
)

// Scheduler drives every eligible Service through its state machine
// (spec §4.6's table: Pending -> Waiting -> Running -> Completed/Skipped).
type Scheduler struct {
	exec  Executor
	clk   clock.Clock
	log   logrus.FieldLogger
	ready map[*domain.Service]*readiness

	mu         sync.Mutex
	dispatched map[*domain.Service]bool
}

func New(exec Executor, clk clock.Clock, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		exec:       exec,
		clk:        clk,
		log:        log,
		ready:      make(map[*domain.Service]*readiness),
		dispatched: make(map[*domain.Service]bool),
	}
}

// Result is the outer driver's summary of one boot pass, per spec §4.6
// "Timing aggregation".
type Result struct {
	TotalDuration time.Duration
	Longest       *domain.Service
}

// RunAll implements the outer driver: it records a wall-clock instant,
// dispatches every eligible service (recursing into dependencies first so
// a task exists for every transitive dependency before any task starts
// blocking, per spec §4.6 "Launch strategy"), joins all of them, and
// reports the delta plus the longest-running service.
func (s *Scheduler) RunAll(services []*domain.Service) Result {
	start := s.clk.Now()

	// Every readiness future is created up front, before any goroutine
	// starts, so the map below is read-only for the remainder of this
	// call and every dependent can safely look up its dependencies'
	// futures without further synchronization.
	for _, svc := range services {
		s.ready[svc] = newReadiness()
	}

	var wg sync.WaitGroup
	for _, svc := range services {
		s.dispatch(svc, &wg)
	}
	wg.Wait()

	total := s.clk.Now().Sub(start)

	var longest *domain.Service
	for _, svc := range services {
		if svc.RunState != domain.Completed {
			continue
		}
		if longest == nil || svc.Timing.TotalDuration > longest.Timing.TotalDuration {
			longest = svc
		}
	}

	return Result{TotalDuration: total, Longest: longest}
}

// dispatch recurses into svc.Deps before starting svc's own task, and uses
// the per-service "already dispatched" flag to prevent double-spawn when
// multiple dependents reach the same leaf (spec §4.6).
func (s *Scheduler) dispatch(svc *domain.Service, wg *sync.WaitGroup) {
	s.mu.Lock()
	if s.dispatched[svc] {
		s.mu.Unlock()
		return
	}
	s.dispatched[svc] = true
	s.mu.Unlock()

	for _, dep := range svc.Deps {
		if dep == nil {
			continue
		}
		s.dispatch(dep, wg)
	}

	if !svc.Eligible() {
		svc.RunState = domain.Skipped
		s.ready[svc].Release()
		return
	}

	wg.Add(1)
	go s.runTask(svc, wg)
}

// runTask is the per-service task discipline from spec §4.6: acquire S's
// readiness lock, wait on every non-null dep's readiness, spawn the child,
// join it, record timing, release S's own readiness lock.
func (s *Scheduler) runTask(svc *domain.Service, wg *sync.WaitGroup) {
	defer wg.Done()
	defer s.ready[svc].Release()

	svc.RunState = domain.Waiting
	for _, dep := range svc.Deps {
		if dep == nil {
			continue
		}
		s.ready[dep].Wait()
	}

	svc.Timing.StartInstant = s.clk.Now()
	svc.RunState = domain.Running

	status, err := s.exec.Run(svc)

	svc.Timing.TotalDuration = s.clk.Now().Sub(svc.Timing.StartInstant)
	svc.RunState = domain.Completed

	fields := logrus.Fields{
		"subsystem": "scheduler",
		"service":   svc.Name,
		"path":      svc.SourcePath,
		"status":    status,
		"duration":  svc.Timing.TotalDuration,
	}

	if err != nil {
		s.log.WithFields(fields).WithField("cause", err).Warn("service executor error")
		return
	}
	if status != 0 {
		s.log.WithFields(fields).Warn("service exited with non-zero status")
		return
	}

	s.log.WithFields(fields).Debug("service completed")
}
