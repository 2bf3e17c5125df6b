package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// ServerOutbound delivers a rendered chat line into a server.
type ServerOutbound func(ctx context.Context, serverID, content string) error

// GroupOutbound delivers a rendered line to an external chat group.
type GroupOutbound func(ctx context.Context, groupID, content string) error

// BindingSource is the slice of the store the router loads its table from.
type BindingSource interface {
	ListBindings(ctx context.Context) ([]types.Binding, error)
}

// Health grades the router's 24 h error ratio.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
)

type routeKey struct {
	groupID string
	kind    types.BindingKind
}

type inverseKey struct {
	serverID string
	kind     types.BindingKind
}

type route struct {
	binding  types.Binding
	pipeline *Pipeline
}

// Router fans messages between groups and servers per the stored bindings.
// It owns the routing table, the compiled filter pipelines and the
// rate-limit windows; reloads swap the table atomically.
type Router struct {
	log      zerolog.Logger
	metrics  *monitoring.Metrics
	alerter  monitoring.Alerter
	source   BindingSource
	toServer ServerOutbound
	toGroup  GroupOutbound
	now      func() time.Time

	errorRateThreshold float64

	mu      sync.RWMutex
	byGroup map[routeKey][]*route
	byServer map[inverseKey][]*route

	limiter *windowLimiter
	health  *healthWindow
}

// NewRouter builds the router. Call Reload to populate the table, then wire
// HandleServerEvent as an event-bus tap.
func NewRouter(source BindingSource, toServer ServerOutbound, toGroup GroupOutbound,
	errorRateThreshold float64, logger zerolog.Logger, metrics *monitoring.Metrics,
	alerter monitoring.Alerter) *Router {
	if alerter == nil {
		alerter = monitoring.NopAlerter{}
	}
	return &Router{
		log:                logger,
		metrics:            metrics,
		alerter:            alerter,
		source:             source,
		toServer:           toServer,
		toGroup:            toGroup,
		now:                time.Now,
		errorRateThreshold: errorRateThreshold,
		byGroup:            make(map[routeKey][]*route),
		byServer:           make(map[inverseKey][]*route),
		limiter:            newWindowLimiter(),
		health:             &healthWindow{},
	}
}

// Reload rebuilds the routing table from the binding source. Bindings with
// uncompilable filters are skipped and logged; the rest keep routing.
func (r *Router) Reload(ctx context.Context) error {
	bindings, err := r.source.ListBindings(ctx)
	if err != nil {
		return err
	}

	byGroup := make(map[routeKey][]*route, len(bindings))
	byServer := make(map[inverseKey][]*route, len(bindings))
	for _, binding := range bindings {
		pipeline, err := CompilePipeline(binding.Config.Filters)
		if err != nil {
			r.log.Error().Str("binding_id", binding.ID).Err(err).Msg("Skipping binding with bad filters")
			continue
		}
		rt := &route{binding: binding, pipeline: pipeline}
		gk := routeKey{groupID: binding.GroupID, kind: binding.Kind}
		sk := inverseKey{serverID: binding.ServerID, kind: binding.Kind}
		byGroup[gk] = append(byGroup[gk], rt)
		byServer[sk] = append(byServer[sk], rt)
	}

	r.mu.Lock()
	r.byGroup = byGroup
	r.byServer = byServer
	r.mu.Unlock()
	r.log.Info().Int("bindings", len(bindings)).Msg("Routing table reloaded")
	return nil
}

// HandleGroupMessage routes one inbound group message to every server bound
// for chat: filter pipeline, rate window, template, outbound delivery.
func (r *Router) HandleGroupMessage(ctx context.Context, msg types.GroupMessage) {
	now := r.now()
	r.health.recordMessage(now)

	r.mu.RLock()
	routes := r.byGroup[routeKey{groupID: msg.GroupID, kind: types.BindingChat}]
	r.mu.RUnlock()

	for _, rt := range routes {
		cfg := rt.binding.Config
		if cfg.Disabled {
			continue
		}

		content, blocked := rt.pipeline.Apply(msg.Content)
		if blocked {
			r.drop("filtered")
			r.log.Debug().Str("group_id", msg.GroupID).Str("server_id", rt.binding.ServerID).
				Msg("Group message blocked by filter")
			continue
		}

		limitKey := msg.GroupID + "|" + rt.binding.ServerID
		if !r.limiter.Allow(limitKey, now, cfg.RateMax, time.Duration(cfg.RateWindow)*time.Millisecond) {
			r.drop("rate_limited")
			r.log.Debug().Str("group_id", msg.GroupID).Str("server_id", rt.binding.ServerID).
				Msg("Group message dropped by rate limit")
			continue
		}

		rendered := RenderChat(cfg.Template, msg, content)
		if err := r.toServer(ctx, rt.binding.ServerID, rendered); err != nil {
			r.routingError(now, err, "group message", rt.binding.ServerID)
			continue
		}
		if r.metrics != nil {
			r.metrics.Bridge.Routed.Inc()
		}
		rt.binding.LastActivity = now
	}
}

// HandleServerEvent is the event-bus tap for bindingKind=event: matching
// events are rendered and delivered to the bound groups. Must not block;
// group delivery errors are counted, not retried.
func (r *Router) HandleServerEvent(event types.Event) {
	now := r.now()

	r.mu.RLock()
	routes := r.byServer[inverseKey{serverID: event.ServerID, kind: types.BindingEvent}]
	r.mu.RUnlock()
	if len(routes) == 0 {
		return
	}
	r.health.recordEvent(now)

	for _, rt := range routes {
		cfg := rt.binding.Config
		if cfg.Disabled {
			continue
		}
		if !kindIncluded(cfg.EventKinds, event.Kind) {
			continue
		}

		rendered := RenderEvent(cfg.Template, event)
		if content, blocked := rt.pipeline.Apply(rendered); !blocked {
			rendered = content
		} else {
			r.drop("filtered")
			continue
		}

		limitKey := rt.binding.GroupID + "|" + event.ServerID
		if !r.limiter.Allow(limitKey, now, cfg.RateMax, time.Duration(cfg.RateWindow)*time.Millisecond) {
			r.drop("rate_limited")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.toGroup(ctx, rt.binding.GroupID, rendered)
		cancel()
		if err != nil {
			r.routingError(now, err, "server event", event.ServerID)
			continue
		}
		if r.metrics != nil {
			r.metrics.Bridge.Routed.Inc()
		}
	}
}

func kindIncluded(kinds []string, kind string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (r *Router) drop(reason string) {
	if r.metrics != nil {
		r.metrics.Bridge.Dropped.WithLabelValues(reason).Inc()
	}
}

func (r *Router) routingError(now time.Time, err error, what, serverID string) {
	r.health.recordError(now)
	if r.metrics != nil {
		r.metrics.Bridge.RoutingErrors.Inc()
	}
	r.log.Warn().Err(err).Str("server_id", serverID).Msgf("Routing %s failed", what)

	if r.CurrentHealth() == HealthDegraded {
		r.alerter.Alert(monitoring.AlertWarning, monitoring.AlertRouterDegraded,
			"Message router error ratio above threshold",
			map[string]any{"error_rate": r.health.errorRate(now)})
	}
}

// CurrentHealth grades the trailing-24h error ratio against the threshold.
func (r *Router) CurrentHealth() Health {
	if r.health.errorRate(r.now()) >= r.errorRateThreshold {
		return HealthDegraded
	}
	return HealthHealthy
}

// Stats reports the trailing-24h counters.
func (r *Router) Stats() (messages, events, errors int64) {
	return r.health.stats(r.now())
}

// Prune drops idle rate-limit windows. Called from the maintenance cron.
func (r *Router) Prune() {
	r.limiter.prune(r.now(), time.Hour)
}
