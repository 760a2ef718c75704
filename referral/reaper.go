/*
Stalled-batch reaper.

PURPOSE:
  Batches stuck in processing mean a worker died mid-distribution. The
  reaper periodically fails them so their income events can be resubmitted
  under fresh batch IDs. Runs on a cron schedule alongside the server.
*/
package referral

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Reaper fails batches stuck in processing longer than MaxProcessing.
type Reaper struct {
	batches       BatchLedger
	maxProcessing time.Duration
	cron          *cron.Cron
	log           zerolog.Logger
}

func NewReaper(batches BatchLedger, maxProcessing time.Duration, log zerolog.Logger) *Reaper {
	return &Reaper{
		batches:       batches,
		maxProcessing: maxProcessing,
		log:           log.With().Str("component", "reaper").Logger(),
	}
}

// Start schedules RunOnce on the given cron spec (standard 5-field format,
// e.g. "*/5 * * * *") and begins running.
func (r *Reaper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.log.Error().Err(err).Msg("reap run failed")
		}
	}); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	r.log.Info().Str("schedule", spec).Dur("max_processing", r.maxProcessing).Msg("reaper started")
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunOnce reaps immediately and returns the IDs of the batches it failed.
func (r *Reaper) RunOnce(ctx context.Context) ([]BatchID, error) {
	cutoff := time.Now().UTC().Add(-r.maxProcessing)
	reaped, err := r.batches.ReapStalled(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(reaped) > 0 {
		ids := make([]string, len(reaped))
		for i, id := range reaped {
			ids[i] = string(id)
		}
		r.log.Warn().Strs("batch_ids", ids).Msg("reaped stalled batches")
	}
	return reaped, nil
}
