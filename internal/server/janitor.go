package server

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nainya/scoresync/internal/logger"
	"github.com/nainya/scoresync/internal/metrics"
	"github.com/nainya/scoresync/pkg/collab"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Janitor removes sessions nobody has touched for longer than the TTL
type Janitor struct {
	store   *collab.Store
	ttl     time.Duration
	cron    *cron.Cron
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewJanitor schedules sweeps of store. schedule accepts cron expressions
// with optional seconds and descriptors such as "@every 1m".
func NewJanitor(store *collab.Store, schedule string, ttl time.Duration, log *logger.Logger, m *metrics.Metrics) (*Janitor, error) {
	j := &Janitor{
		store:   store,
		ttl:     ttl,
		cron:    cron.New(cron.WithParser(cronParser)),
		log:     logger.OrNop(log).Component("janitor"),
		metrics: m,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins running sweeps in the background
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep removes idle sessions now and returns their ids
func (j *Janitor) Sweep() []string {
	removed := j.store.SweepIdle(j.ttl)
	j.metrics.SetSessionsActive(len(j.store.ListSessions()))
	if len(removed) > 0 {
		j.log.Info("Removed idle sessions").
			Strs("session_ids", removed).
			Dur("ttl", j.ttl).
			Send()
	}
	return removed
}
