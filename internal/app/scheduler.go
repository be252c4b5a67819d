/**
 * @description
 * Cron scheduler for the two periodic loops: the confirmation poller and the
 * blockchain-proof fallback sweep.
 */
package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	poller   *ConfirmationPoller
	fallback *ProofFallback
	log      *logrus.Entry

	pollerSchedule   string
	fallbackSchedule string
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	return fields
}

// NewScheduler creates a new scheduler instance. Jobs never overlap with
// themselves: a cycle still running when the next tick fires is skipped.
func NewScheduler(poller *ConfirmationPoller, fallback *ProofFallback, log *logrus.Entry, pollerSchedule, fallbackSchedule string) *Scheduler {
	cl := cronLogger{log: log}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))

	return &Scheduler{
		cron:             c,
		poller:           poller,
		fallback:         fallback,
		log:              log,
		pollerSchedule:   pollerSchedule,
		fallbackSchedule: fallbackSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler. Jobs run with ctx
// so shutdown cancels in-flight cycles.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.pollerSchedule, func() { s.poller.RunCycle(ctx) }); err != nil {
		return err
	}
	s.log.WithField("schedule", s.pollerSchedule).Info("scheduled confirmation poller")

	if _, err := s.cron.AddFunc(s.fallbackSchedule, func() { s.fallback.RunSweep(ctx) }); err != nil {
		return err
	}
	s.log.WithField("schedule", s.fallbackSchedule).Info("scheduled proof fallback")

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
