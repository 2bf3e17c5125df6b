package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ubridge-dev/ubridge/internal/adapter"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/router"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// forwarded builds a handler that relays op to the target server's session,
// degrading through the pending-operation path when the server is
// unreachable.
func (d *Deps) forwarded(op string) router.Handler {
	return func(ctx context.Context, req *router.Request) (any, *protocol.Error) {
		return d.forward(ctx, req, op)
	}
}

func (d *Deps) forward(ctx context.Context, req *router.Request, op string) (any, *protocol.Error) {
	serverID := targetServer(req)
	if serverID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "%s requires serverId", op)
	}

	var data map[string]any
	if len(req.Frame.Data) > 0 {
		json.Unmarshal(req.Frame.Data, &data)
	}

	session, ok := d.Registry.Connected(serverID)
	if !ok {
		return d.degrade(ctx, req, serverID, op, data)
	}

	started := time.Now()
	payload, perr := d.dispatch(ctx, session, op, req.Frame.Data, data)
	d.Manager.Observe(serverID, perr == nil, time.Since(started))
	d.Audit.RecordOp(req.Caller.UserID, serverID, op, data, errOrNil(perr), req.Caller.IP)

	if perr != nil && perr.Code == protocol.CodeServerUnavailable {
		return d.degrade(ctx, req, serverID, op, data)
	}
	return payload, perr
}

func errOrNil(perr *protocol.Error) error {
	if perr == nil {
		return nil
	}
	return perr
}

// dispatch relays one operation over a live session: framed transports get
// the request verbatim, command transports get the console translation.
func (d *Deps) dispatch(ctx context.Context, session sessionLink, op string, raw json.RawMessage, data map[string]any) (any, *protocol.Error) {
	if session.Capabilities().Has(adapter.CapRaw) {
		frame, perr := session.Request(ctx, op, raw)
		if perr != nil {
			return nil, perr
		}
		if len(frame.Data) == 0 {
			return protocol.OK(), nil
		}
		return json.RawMessage(frame.Data), nil
	}

	command, cerr := commandFor(op, data)
	if cerr != nil {
		return nil, cerr
	}
	result, err := session.SendCommand(ctx, command)
	if err != nil {
		if pe, ok := protocol.AsError(err); ok {
			return nil, pe
		}
		return nil, protocol.Errorf(protocol.CodeRequestFailed, "command failed: %v", err)
	}
	return map[string]any{
		"success":       result.Success,
		"output":        result.Output,
		"executionTime": result.Elapsed.Milliseconds(),
	}, nil
}

// sessionLink is the slice of connection.Session the dispatch path uses.
type sessionLink interface {
	Capabilities() adapter.CapabilitySet
	Request(ctx context.Context, op string, payload any) (protocol.Frame, *protocol.Error)
	SendCommand(ctx context.Context, command string) (*adapter.CommandResult, error)
}

func (d *Deps) degrade(ctx context.Context, req *router.Request, serverID, op string, data map[string]any) (any, *protocol.Error) {
	pending, perr := d.Degrader.HandleUnavailable(ctx, req.Caller.UserID, serverID, op, data)
	if perr != nil {
		return nil, perr
	}
	if pending != nil {
		return map[string]any{
			"success":            true,
			"deferred":           true,
			"pendingOperationId": pending.OpID,
			"expiresAt":          pending.ExpiresAt,
		}, nil
	}
	// Rerouted delivery (broadcast through a sibling server).
	return map[string]any{"success": true, "rerouted": true}, nil
}

// commandFor translates an operation onto a console command for
// command-only transports.
func commandFor(op string, data map[string]any) (string, *protocol.Error) {
	str := func(keys ...string) string {
		for _, key := range keys {
			if v, ok := data[key].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	switch op {
	case protocol.OpServerSave:
		return "save-all", nil
	case protocol.OpServerRestart:
		return "restart", nil
	case protocol.OpServerShutdown:
		return "stop", nil
	case protocol.OpServerBroadcast:
		msg := str("message", "content")
		if msg == "" {
			return "", protocol.NewError(protocol.CodeInvalidRequest, "server.broadcast requires message")
		}
		return "say " + sanitizeArg(msg), nil
	case protocol.OpPlayerList:
		return "list", nil
	case protocol.OpPlayerKick:
		name := str("playerName", "playerId")
		if name == "" {
			return "", protocol.NewError(protocol.CodeInvalidRequest, "player.kick requires playerName")
		}
		if reason := str("reason"); reason != "" {
			return fmt.Sprintf("kick %s %s", sanitizeArg(name), sanitizeArg(reason)), nil
		}
		return "kick " + sanitizeArg(name), nil
	case protocol.OpPlayerMessage:
		name := str("playerName", "playerId")
		msg := str("message")
		if name == "" || msg == "" {
			return "", protocol.NewError(protocol.CodeInvalidRequest, "player.message requires playerName and message")
		}
		return fmt.Sprintf("tell %s %s", sanitizeArg(name), sanitizeArg(msg)), nil
	case protocol.OpWhitelistGet:
		return "whitelist list", nil
	case protocol.OpWhitelistAdd:
		name := str("playerName", "playerId")
		if name == "" {
			return "", protocol.NewError(protocol.CodeInvalidRequest, "whitelist.add requires playerName")
		}
		return "whitelist add " + sanitizeArg(name), nil
	case protocol.OpWhitelistRemove:
		name := str("playerName", "playerId")
		if name == "" {
			return "", protocol.NewError(protocol.CodeInvalidRequest, "whitelist.remove requires playerName")
		}
		return "whitelist remove " + sanitizeArg(name), nil
	}
	return "", protocol.Errorf(protocol.CodeInvalidRequest,
		"operation %s is not served by a command-only transport", op)
}

// sanitizeArg strips newlines so payload text cannot smuggle extra console
// commands.
func sanitizeArg(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}

func (d *Deps) handleCommandExecute(ctx context.Context, req *router.Request) (any, *protocol.Error) {
	serverID := targetServer(req)
	if serverID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "command.execute requires serverId")
	}
	var body struct {
		Command string `json:"command"`
	}
	if perr := req.Decode(&body); perr != nil {
		return nil, perr
	}
	if body.Command == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "command.execute requires command")
	}

	session, ok := d.Registry.Connected(serverID)
	if !ok {
		// Arbitrary commands are never cached; their effects are too
		// context-dependent to replay blindly.
		d.Audit.RecordOp(req.Caller.UserID, serverID, protocol.OpCommandExecute,
			map[string]any{"command": body.Command},
			protocol.NewError(protocol.CodeServerUnavailable, "server unreachable"), req.Caller.IP)
		return nil, protocol.Errorf(protocol.CodeServerUnavailable, "server %s is unreachable", serverID)
	}

	started := time.Now()
	result, err := session.SendCommand(ctx, body.Command)
	elapsed := time.Since(started)
	d.Manager.Observe(serverID, err == nil, elapsed)
	d.Audit.RecordOp(req.Caller.UserID, serverID, protocol.OpCommandExecute,
		map[string]any{"command": body.Command}, err, req.Caller.IP)
	if err != nil {
		if pe, ok := protocol.AsError(err); ok {
			return nil, pe
		}
		return nil, protocol.Errorf(protocol.CodeRequestFailed, "command failed: %v", err)
	}
	return map[string]any{
		"success":       result.Success,
		"output":        result.Output,
		"executionTime": elapsed.Milliseconds(),
	}, nil
}

// ReplayExecutor adapts the dispatch path for the degrader's replay of
// cached operations.
func ReplayExecutor(d *Deps) func(ctx context.Context, serverID, op string, data map[string]any) error {
	return func(ctx context.Context, serverID, op string, data map[string]any) error {
		session, ok := d.Registry.Connected(serverID)
		if !ok {
			return protocol.Errorf(protocol.CodeServerUnavailable, "server %s is unreachable", serverID)
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		_, perr := d.dispatch(ctx, session, op, raw, data)
		if perr != nil {
			return perr
		}
		return nil
	}
}

// BroadcastRerouter attempts broadcast delivery through another reachable
// server bound to any of the target's chat groups.
func BroadcastRerouter(d *Deps) func(ctx context.Context, serverID, op string, data map[string]any) bool {
	return func(ctx context.Context, serverID, op string, data map[string]any) bool {
		if op != protocol.OpServerBroadcast {
			return false
		}
		bindings, err := d.Store.ListBindings(ctx)
		if err != nil {
			return false
		}

		groups := make(map[string]bool)
		for _, b := range bindings {
			if b.ServerID == serverID && b.Kind == types.BindingChat {
				groups[b.GroupID] = true
			}
		}
		for _, b := range bindings {
			if b.ServerID == serverID || b.Kind != types.BindingChat || !groups[b.GroupID] {
				continue
			}
			session, ok := d.Registry.Connected(b.ServerID)
			if !ok {
				continue
			}
			raw, err := json.Marshal(data)
			if err != nil {
				return false
			}
			if _, perr := d.dispatch(ctx, session, op, raw, data); perr == nil {
				d.Log.Info().Str("from", serverID).Str("via", b.ServerID).
					Msg("Broadcast rerouted through sibling server")
				return true
			}
		}
		return false
	}
}
