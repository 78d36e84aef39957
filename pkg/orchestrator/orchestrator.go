package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veridata/dnipipe/pkg/events"
	"github.com/veridata/dnipipe/pkg/log"
	"github.com/veridata/dnipipe/pkg/processor"
	"github.com/veridata/dnipipe/pkg/storage"
	"github.com/veridata/dnipipe/pkg/types"
	"github.com/veridata/dnipipe/pkg/worker"
)

// joinTimeout bounds how long Stop waits for workers to exit. Driver
// teardown (browser shutdown) dominates this.
const joinTimeout = 15 * time.Second

// WorkerSpec describes one stage worker to launch.
type WorkerSpec struct {
	Spec      types.StageSpec
	Processor processor.Processor
	Drivers   processor.DriverFactory

	PollInterval    time.Duration
	SleepMin        time.Duration
	SleepMax        time.Duration
	RetryExtraSleep time.Duration
}

// Orchestrator owns the worker goroutines of one tenant, their stop and
// pause flags, and the drivers they hold. One orchestrator exists per
// tenant session.
type Orchestrator struct {
	tenantID string
	store    storage.Store
	broker   *events.Broker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	paused  atomic.Bool
}

// New creates an orchestrator for a tenant. broker may be nil.
func New(tenantID string, store storage.Store, broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		tenantID: tenantID,
		store:    store,
		broker:   broker,
	}
}

// TenantID returns the owning tenant.
func (o *Orchestrator) TenantID() string {
	return o.tenantID
}

// Start launches one worker per spec. Each worker acquires a fresh driver
// which is released on every exit path. Starting while workers are alive is
// a warning no-op; the bool reports whether this call launched anything, so
// callers racing on the same tenant account the workers exactly once.
func (o *Orchestrator) Start(specs []WorkerSpec) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := log.WithTenant(o.tenantID).With().Str("component", "orchestrator").Logger()

	if o.running.Load() {
		logger.Warn().Msg("workers already running, start ignored")
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.paused.Store(false)

	// Acquire all drivers up front so a partial failure releases cleanly.
	drivers := make([]processor.Driver, 0, len(specs))
	for _, spec := range specs {
		driver, err := spec.Drivers.Acquire(ctx)
		if err != nil {
			cancel()
			for _, d := range drivers {
				if rerr := d.Release(); rerr != nil {
					logger.Error().Err(rerr).Msg("failed to release driver")
				}
			}
			return false, fmt.Errorf("failed to acquire driver for stage %s: %w", spec.Spec.Name, err)
		}
		drivers = append(drivers, driver)
	}

	g := &errgroup.Group{}
	for i, spec := range specs {
		driver := drivers[i]
		cfg := worker.Config{
			TenantID:        o.tenantID,
			Spec:            spec.Spec,
			Store:           o.store,
			Processor:       spec.Processor,
			Driver:          driver,
			Events:          o.broker,
			Paused:          o.paused.Load,
			PollInterval:    spec.PollInterval,
			SleepMin:        spec.SleepMin,
			SleepMax:        spec.SleepMax,
			RetryExtraSleep: spec.RetryExtraSleep,
		}
		stage := spec.Spec.Name
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Str("stage", stage).Interface("panic", r).Msg("worker crashed")
				}
			}()
			defer func() {
				if err := driver.Release(); err != nil {
					logger.Error().Err(err).Str("stage", stage).Msg("failed to release driver")
				}
			}()
			worker.Run(ctx, cfg)
			return nil
		})
	}

	done := make(chan struct{})
	o.cancel = cancel
	o.done = done
	o.running.Store(true)
	go func() {
		_ = g.Wait() // workers never return errors
		o.running.Store(false)
		close(done)
	}()

	logger.Info().Int("workers", len(specs)).Msg("workers started")
	return true, nil
}

// Pause asserts the pause flag. In-flight lookups complete; workers then
// idle before their next claim.
func (o *Orchestrator) Pause() {
	o.paused.Store(true)
	lg := log.WithTenant(o.tenantID)
	lg.Info().Msg("workers paused")
}

// Resume clears the pause flag.
func (o *Orchestrator) Resume() {
	o.paused.Store(false)
	lg := log.WithTenant(o.tenantID)
	lg.Info().Msg("workers resumed")
}

// Stop asserts the stop signal, clears pause, and joins the workers with a
// bounded timeout. Stop on a non-running orchestrator is a no-op.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := log.WithTenant(o.tenantID).With().Str("component", "orchestrator").Logger()

	if !o.running.Load() || o.cancel == nil {
		logger.Debug().Msg("stop on idle orchestrator, nothing to do")
		return
	}

	o.paused.Store(false)
	o.cancel()

	select {
	case <-o.done:
		logger.Info().Msg("workers stopped")
	case <-time.After(joinTimeout):
		logger.Warn().Dur("timeout", joinTimeout).Msg("workers did not stop in time")
	}
	o.running.Store(false)
}

// IsRunning reports whether any worker is alive.
func (o *Orchestrator) IsRunning() bool {
	return o.running.Load()
}

// IsPaused reports whether the pause flag is asserted.
func (o *Orchestrator) IsPaused() bool {
	return o.paused.Load()
}
