package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/veridata/dnipipe/pkg/events"
	"github.com/veridata/dnipipe/pkg/log"
	"github.com/veridata/dnipipe/pkg/metrics"
	"github.com/veridata/dnipipe/pkg/processor"
	"github.com/veridata/dnipipe/pkg/storage"
	"github.com/veridata/dnipipe/pkg/types"
)

// pauseCheckInterval is how often a paused worker re-checks the pause flag.
const pauseCheckInterval = 200 * time.Millisecond

// maxReasonLen bounds the error text persisted in a record.
const maxReasonLen = 200

// Config parameterizes one stage worker loop.
type Config struct {
	TenantID  string
	Spec      types.StageSpec
	Store     storage.Store
	Processor processor.Processor
	Driver    processor.Driver

	// Events receives a record.settled event per settled record. May be
	// nil.
	Events *events.Broker

	// Paused is polled before every claim; while it returns true the
	// worker idles without claiming.
	Paused func() bool

	PollInterval time.Duration
	SleepMin     time.Duration
	SleepMax     time.Duration

	// RetryExtraSleep is added to the jitter after processing a record
	// that has been retried, pacing re-runs against the portals.
	RetryExtraSleep time.Duration
}

// Run executes the claim → process → settle loop until ctx is canceled.
// Nothing escapes it: processor failures and panics settle the record to
// the stage's error state and the loop continues. The driver is NOT
// released here; the orchestrator owns driver lifecycle.
func Run(ctx context.Context, cfg Config) {
	logger := log.WithTenant(cfg.TenantID).With().
		Str("component", "worker").
		Str("stage", cfg.Spec.Name).
		Logger()

	logger.Info().Msg("worker started")
	defer logger.Info().Msg("worker stopped")

	for {
		// Single well-defined observation point for pause and stop.
		if !waitWhilePaused(ctx, cfg.Paused) {
			return
		}

		timer := metrics.NewTimer()
		rec, err := cfg.Store.Claim(cfg.TenantID, cfg.Spec.Source, cfg.Spec.Processing)
		timer.ObserveDuration(metrics.ClaimDuration.WithLabelValues(cfg.Spec.Name))
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			if !sleep(ctx, cfg.PollInterval) {
				return
			}
			continue
		}
		if rec == nil {
			if !sleep(ctx, cfg.PollInterval) {
				return
			}
			continue
		}

		processOne(ctx, cfg, rec, logger)

		pause := jitter(cfg.SleepMin, cfg.SleepMax)
		if rec.RetryCount > 0 {
			pause += cfg.RetryExtraSleep
		}
		if !sleep(ctx, pause) {
			return
		}
	}
}

// processOne runs the processor on a claimed record and settles the
// outcome. A panic inside the processor settles to the error state.
func processOne(ctx context.Context, cfg Config, rec *types.Record, logger zerolog.Logger) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProcessDuration.WithLabelValues(cfg.Spec.Name))

	result, err := invoke(ctx, cfg, rec.DNI)

	switch {
	case err == nil && result.Found:
		settle(cfg, rec, cfg.Spec.Success, result.Payload, "", logger)
		logger.Info().Str("dni", rec.DNI).Msg("record found")
		metrics.RecordsProcessedTotal.WithLabelValues(cfg.Spec.Name, "found").Inc()

	case err == nil:
		settle(cfg, rec, cfg.Spec.Forward, nil, result.Reason, logger)
		logger.Info().Str("dni", rec.DNI).Str("reason", result.Reason).Msg("record not found at stage")
		metrics.RecordsProcessedTotal.WithLabelValues(cfg.Spec.Name, "not_found").Inc()

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Stop arrived mid-invocation. Leave the record in its processing
		// state; recovery demotes it on the next start.
		logger.Warn().Str("dni", rec.DNI).Msg("processing interrupted by stop")

	default:
		var reason string
		var exhausted *processor.ExhaustedError
		if errors.As(err, &exhausted) {
			reason = short(exhausted.Reason)
		} else {
			reason = "worker: " + short(err.Error())
		}
		settle(cfg, rec, cfg.Spec.Error, nil, reason, logger)
		logger.Error().Str("dni", rec.DNI).Str("reason", reason).Msg("record failed at stage")
		metrics.RecordsProcessedTotal.WithLabelValues(cfg.Spec.Name, "error").Inc()
	}
}

// invoke calls the processor with a panic guard.
func invoke(ctx context.Context, cfg Config, dni string) (result processor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return cfg.Processor.Process(ctx, cfg.Driver, dni)
}

func settle(cfg Config, rec *types.Record, target types.State, payload map[string]string, reason string, logger zerolog.Logger) {
	applied, err := cfg.Store.Settle(rec.ID, cfg.Spec.Processing, target, payload, reason)
	if err != nil {
		logger.Error().Err(err).Uint64("record_id", rec.ID).Msg("settle failed")
		return
	}
	if !applied {
		// Recovery or clean moved the record out from under us.
		logger.Warn().Uint64("record_id", rec.ID).Msg("settle skipped, record no longer processing")
		return
	}
	if cfg.Events != nil {
		cfg.Events.Emit(events.EventRecordSettled, cfg.TenantID, "record settled", map[string]string{
			"dni":   rec.DNI,
			"stage": cfg.Spec.Name,
			"state": string(target),
		})
	}
}

// waitWhilePaused blocks while the pause flag is asserted. Returns false
// when ctx is canceled.
func waitWhilePaused(ctx context.Context, paused func() bool) bool {
	for paused != nil && paused() {
		if !sleep(ctx, pauseCheckInterval) {
			return false
		}
	}
	return ctx.Err() == nil
}

// sleep waits d or until ctx is canceled. Returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// jitter picks a uniform duration in [min, max].
func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Float64()*float64(max-min))
}

func short(msg string) string {
	if len(msg) > maxReasonLen {
		msg = msg[:maxReasonLen]
	}
	return msg
}
