package storage

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor runs recurring maintenance jobs (history retention pruning,
// expired suppression sweeps) on cron schedules.
type Janitor struct {
	logger *zap.Logger
	cron   *cron.Cron
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewJanitor creates a janitor with panic recovery on its jobs.
func NewJanitor(logger *zap.Logger) *Janitor {
	named := logger.Named("janitor")
	cl := &cronLogger{logger: named.Named("cron")}
	return &Janitor{
		logger: named,
		cron:   cron.New(cron.WithChain(cron.Recover(cl))),
	}
}

// AddJob registers fn on the given cron spec.
func (j *Janitor) AddJob(spec, name string, fn func()) error {
	_, err := j.cron.AddFunc(spec, func() {
		j.logger.Debug("Running maintenance job", zap.String("job", name))
		fn()
	})
	if err != nil {
		return fmt.Errorf("failed to add job %s: %w", name, err)
	}
	j.logger.Info("Maintenance job registered",
		zap.String("job", name),
		zap.String("spec", spec))
	return nil
}

// Start begins running scheduled jobs.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
