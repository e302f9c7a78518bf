package scheduler

import (
	"time"

	"go.uber.org/zap"
)

type phaseRun struct {
	phase          string
	runID          string
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *phaseRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *phaseRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) startPhase(phase string) *phaseRun {
	run := &phaseRun{
		phase:     phase,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	s.log.Info("scheduler.phase.start",
		zap.String("phase", run.phase),
		zap.String("run_id", run.runID),
	)
	return run
}

func (s *Scheduler) finishPhase(run *phaseRun) {
	fields := []zap.Field{
		zap.String("phase", run.phase),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	if run.errorCount > 0 {
		s.log.Warn("scheduler.phase.finish", fields...)
		return
	}
	s.log.Info("scheduler.phase.finish", fields...)
}

func (s *Scheduler) logPhaseError(run *phaseRun, customerID int64, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	base := []zap.Field{
		zap.String("phase", run.phase),
		zap.Int64("customer_id", customerID),
		zap.Error(err),
	}
	s.log.Error("scheduler.phase.error", append(base, fields...)...)
}
