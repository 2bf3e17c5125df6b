// Package service is the hub's lifecycle coordinator: components start in
// dependency order, stop in reverse with per-component timeouts, and feed
// one aggregated health signal. It also runs the scheduled maintenance jobs
// and serves the programmatic admin entry point.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/logging"
)

// HealthStatus grades one component or the whole hub.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is one component's self-report.
type ComponentHealth struct {
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// Component is one managed lifecycle unit.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) ComponentHealth
}

// funcComponent adapts plain functions; nil funcs are no-ops reporting
// healthy.
type funcComponent struct {
	name   string
	start  func(ctx context.Context) error
	stop   func(ctx context.Context) error
	health func(ctx context.Context) ComponentHealth
}

// NewComponent builds a Component from functions.
func NewComponent(name string, start, stop func(ctx context.Context) error,
	health func(ctx context.Context) ComponentHealth) Component {
	return &funcComponent{name: name, start: start, stop: stop, health: health}
}

func (c *funcComponent) Name() string { return c.name }

func (c *funcComponent) Start(ctx context.Context) error {
	if c.start == nil {
		return nil
	}
	return c.start(ctx)
}

func (c *funcComponent) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	return c.stop(ctx)
}

func (c *funcComponent) Health(ctx context.Context) ComponentHealth {
	if c.health == nil {
		return ComponentHealth{Name: c.name, Status: Healthy}
	}
	return c.health(ctx)
}

// Coordinator owns the ordered component list and the maintenance
// schedule. Registration order is the dependency order: database first,
// then services, sessions, message router.
type Coordinator struct {
	log         zerolog.Logger
	stopTimeout time.Duration

	mu         sync.Mutex
	components []Component
	started    []Component
	cron       *cron.Cron
}

// NewCoordinator builds an empty coordinator.
func NewCoordinator(stopTimeout time.Duration, logger zerolog.Logger) *Coordinator {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Coordinator{
		log:         logger,
		stopTimeout: stopTimeout,
		cron:        cron.New(),
	}
}

// Register appends a component; call in dependency order before Start.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	c.components = append(c.components, component)
	c.mu.Unlock()
}

// Schedule adds a maintenance job (cron spec) started with the
// coordinator. Used for cache preload warmups and audit retention cleanup.
func (c *Coordinator) Schedule(spec string, name string, job func()) error {
	_, err := c.cron.AddFunc(spec, func() {
		defer logging.RecoverPanic(c.log, "maintenance "+name)
		c.log.Debug().Str("job", name).Msg("Running maintenance job")
		job()
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	return nil
}

// Every adds a maintenance job on a fixed interval.
func (c *Coordinator) Every(interval time.Duration, name string, job func()) {
	c.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		defer logging.RecoverPanic(c.log, "maintenance "+name)
		job()
	}))
}

// Start initializes components in registration order. On failure the
// already-started prefix stops in reverse and the error returns.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	components := c.components
	c.mu.Unlock()

	for _, component := range components {
		c.log.Info().Str("component", component.Name()).Msg("Starting component")
		if err := component.Start(ctx); err != nil {
			c.log.Error().Str("component", component.Name()).Err(err).Msg("Component start failed")
			c.stopStarted()
			return fmt.Errorf("starting %s: %w", component.Name(), err)
		}
		c.mu.Lock()
		c.started = append(c.started, component)
		c.mu.Unlock()
	}
	c.cron.Start()
	c.log.Info().Int("components", len(components)).Msg("All components started")
	return nil
}

// Stop shuts components down in reverse start order. A component that
// exceeds the per-component timeout is abandoned and shutdown proceeds.
func (c *Coordinator) Stop() {
	cronCtx := c.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(c.stopTimeout):
		c.log.Warn().Msg("Maintenance jobs still running at shutdown timeout")
	}
	c.stopStarted()
}

func (c *Coordinator) stopStarted() {
	c.mu.Lock()
	started := c.started
	c.started = nil
	c.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		component := started[i]
		ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
		done := make(chan error, 1)
		go func() {
			defer logging.RecoverPanic(c.log, "stop "+component.Name())
			done <- component.Stop(ctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				c.log.Warn().Str("component", component.Name()).Err(err).Msg("Component stop reported error")
			} else {
				c.log.Info().Str("component", component.Name()).Msg("Component stopped")
			}
		case <-ctx.Done():
			c.log.Error().Str("component", component.Name()).
				Dur("timeout", c.stopTimeout).Msg("Component stop timed out, force-proceeding")
		}
		cancel()
	}
}

// HealthReport is the aggregated hub health.
type HealthReport struct {
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
	At         time.Time         `json:"at"`
}

// Health aggregates component health: any unhealthy makes the hub
// unhealthy; otherwise any degraded makes it degraded.
func (c *Coordinator) Health(ctx context.Context) HealthReport {
	c.mu.Lock()
	components := c.components
	c.mu.Unlock()

	report := HealthReport{Status: Healthy, At: time.Now()}
	for _, component := range components {
		h := component.Health(ctx)
		report.Components = append(report.Components, h)
		switch h.Status {
		case Unhealthy:
			report.Status = Unhealthy
		case Degraded:
			if report.Status == Healthy {
				report.Status = Degraded
			}
		}
	}
	return report
}
