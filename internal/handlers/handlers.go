// Package handlers implements the hub's operation namespace: the server.*,
// player.*, whitelist.*, command.*, event.* and system.* handlers wired
// into the request router at start-up.
package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/audit"
	"github.com/ubridge-dev/ubridge/internal/cache"
	"github.com/ubridge-dev/ubridge/internal/connection"
	"github.com/ubridge-dev/ubridge/internal/degrade"
	"github.com/ubridge-dev/ubridge/internal/events"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/router"
	"github.com/ubridge-dev/ubridge/internal/store"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// EventDeliverer pushes a matched event to the session that owns the
// subscription. The hub's inbound listener implements it.
type EventDeliverer interface {
	DeliverEvent(sessionID string, event types.Event) error
}

// Deps carries everything the handler set consults.
type Deps struct {
	Store     store.Store
	Registry  *connection.Registry
	Manager   *connection.Manager
	Bus       *events.Bus
	Degrader  *degrade.Degrader
	Audit     *audit.Logger
	Cache     *cache.Cache
	System    *monitoring.SystemMonitor
	Deliverer EventDeliverer
	Log       zerolog.Logger
}

// RegisterAll installs the complete core operation set on r.
func RegisterAll(r *router.Router, deps *Deps) {
	r.Register(protocol.OpSystemPing, deps.handlePing)

	r.Register(protocol.OpServerGetInfo, deps.handleServerGetInfo)
	r.Register(protocol.OpServerGetStatus, deps.handleServerGetStatus)
	r.Register(protocol.OpServerGetMetrics, deps.handleServerGetMetrics)
	r.Register(protocol.OpServerSave, deps.forwarded(protocol.OpServerSave))
	r.Register(protocol.OpServerRestart, deps.forwarded(protocol.OpServerRestart))
	r.Register(protocol.OpServerShutdown, deps.forwarded(protocol.OpServerShutdown))
	r.Register(protocol.OpServerBroadcast, deps.forwarded(protocol.OpServerBroadcast))

	r.Register(protocol.OpPlayerList, deps.forwarded(protocol.OpPlayerList))
	r.Register(protocol.OpPlayerGetInfo, deps.forwarded(protocol.OpPlayerGetInfo))
	r.Register(protocol.OpPlayerKick, deps.forwarded(protocol.OpPlayerKick))
	r.Register(protocol.OpPlayerMessage, deps.forwarded(protocol.OpPlayerMessage))

	r.Register(protocol.OpWhitelistGet, deps.forwarded(protocol.OpWhitelistGet))
	r.Register(protocol.OpWhitelistAdd, deps.forwarded(protocol.OpWhitelistAdd))
	r.Register(protocol.OpWhitelistRemove, deps.forwarded(protocol.OpWhitelistRemove))

	r.Register(protocol.OpCommandExecute, deps.handleCommandExecute)

	r.Register(protocol.OpEventSubscribe, deps.handleSubscribe)
	r.Register(protocol.OpEventUnsubscribe, deps.handleUnsubscribe)
	r.Register(protocol.OpEventList, deps.handleEventList)
}

func (d *Deps) handlePing(_ context.Context, req *router.Request) (any, *protocol.Error) {
	return map[string]any{
		"success":   true,
		"pong":      true,
		"timestamp": time.Now().UnixMilli(),
	}, nil
}

func (d *Deps) handleServerGetInfo(ctx context.Context, req *router.Request) (any, *protocol.Error) {
	serverID := targetServer(req)
	if serverID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "server.get_info requires serverId")
	}

	// Descriptor reads are hot on dashboards; serve from cache when warm.
	cacheKey := "server:info:" + serverID
	var server types.ServerDescriptor
	if d.Cache == nil || !d.Cache.Get(cacheKey, &server) {
		found, err := d.Store.GetServer(ctx, serverID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, protocol.Errorf(protocol.CodeInvalidRequest, "unknown server %s", serverID)
			}
			d.Log.Error().Err(err).Str("server_id", serverID).Msg("Server lookup failed")
			return nil, protocol.NewError(protocol.CodeRequestFailed, "server lookup failed")
		}
		server = *found
		if d.Cache != nil {
			d.Cache.Set(cacheKey, server)
		}
	}

	info := map[string]any{
		"success": true,
		"server":  server,
		"state":   string(d.Manager.State(serverID)),
		"quality": d.Manager.Quality(serverID),
	}
	if session, ok := d.Registry.Get(serverID); ok {
		info["session"] = map[string]any{
			"sessionId":    session.ID,
			"mode":         string(session.Mode()),
			"status":       string(session.Status()),
			"capabilities": session.Capabilities().List(),
			"lastActivity": session.LastActivity(),
		}
	}
	return info, nil
}

func (d *Deps) handleServerGetStatus(ctx context.Context, req *router.Request) (any, *protocol.Error) {
	serverID := targetServer(req)
	if serverID == "" {
		// Hub-level status: session registry plus pending-operation totals.
		return map[string]any{
			"success":       true,
			"sessions":      d.Registry.Count(),
			"subscriptions": d.Bus.Count(),
		}, nil
	}

	status := map[string]any{
		"success":  true,
		"serverId": serverID,
		"state":    string(d.Manager.State(serverID)),
		"quality":  d.Manager.Quality(serverID),
		"pending":  len(d.Degrader.Pending(serverID)),
	}
	if mode, ok := d.Manager.ActiveMode(serverID); ok {
		status["mode"] = string(mode)
	}
	if session, ok := d.Registry.Get(serverID); ok {
		status["sessionStatus"] = string(session.Status())
		status["lastActivity"] = session.LastActivity()
	}
	return status, nil
}

func (d *Deps) handleServerGetMetrics(ctx context.Context, req *router.Request) (any, *protocol.Error) {
	serverID := targetServer(req)
	if serverID == "" {
		// The hub's own metrics.
		return map[string]any{
			"success": true,
			"system":  d.System.Snapshot(),
		}, nil
	}
	return d.forward(ctx, req, protocol.OpServerGetMetrics)
}

func targetServer(req *router.Request) string {
	if req.Frame.ServerID != "" {
		return req.Frame.ServerID
	}
	var body struct {
		ServerID string `json:"serverId"`
	}
	req.Decode(&body)
	return body.ServerID
}
