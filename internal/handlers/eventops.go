package handlers

import (
	"context"
	"time"

	"github.com/ubridge-dev/ubridge/internal/events"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/router"
	"github.com/ubridge-dev/ubridge/internal/types"
)

type subscribeRequest struct {
	ServerID    string   `json:"serverId,omitempty"`
	Kinds       []string `json:"kinds,omitempty"`
	UseDefaults bool     `json:"useDefaults,omitempty"`
	Extended    bool     `json:"extended,omitempty"`
	PlayerID    string   `json:"playerId,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Since       int64    `json:"since,omitempty"` // epoch ms
	Until       int64    `json:"until,omitempty"`
}

func (d *Deps) handleSubscribe(_ context.Context, req *router.Request) (any, *protocol.Error) {
	if req.Caller.SessionID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "event.subscribe requires an owning session")
	}

	var body subscribeRequest
	if perr := req.Decode(&body); perr != nil {
		return nil, perr
	}

	kinds := body.Kinds
	switch {
	case body.UseDefaults && body.Extended:
		kinds = events.ExtendedKinds
	case body.UseDefaults:
		kinds = events.BasicKinds
	case len(kinds) == 0:
		return nil, protocol.NewError(protocol.CodeInvalidRequest,
			"event.subscribe requires kinds or useDefaults")
	}

	filter := events.Filter{
		ServerID: body.ServerID,
		Kinds:    kinds,
		PlayerID: body.PlayerID,
		Severity: body.Severity,
	}
	if body.Since > 0 {
		filter.Since = time.UnixMilli(body.Since)
	}
	if body.Until > 0 {
		filter.Until = time.UnixMilli(body.Until)
	}

	sub := d.Bus.Subscribe(req.Caller.SessionID, filter, func(sub *events.Subscription, event types.Event) error {
		return d.Deliverer.DeliverEvent(sub.SessionID, event)
	})

	// The response echoes the resolved kind list so defaulted subscribers
	// know exactly what they signed up for.
	return map[string]any{
		"success":        true,
		"subscriptionId": sub.ID,
		"kinds":          kinds,
		"serverId":       body.ServerID,
	}, nil
}

func (d *Deps) handleUnsubscribe(_ context.Context, req *router.Request) (any, *protocol.Error) {
	var body struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if perr := req.Decode(&body); perr != nil {
		return nil, perr
	}
	if body.SubscriptionID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "event.unsubscribe requires subscriptionId")
	}

	sub, ok := d.Bus.Get(body.SubscriptionID)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "unknown subscription %s", body.SubscriptionID)
	}
	if sub.SessionID != req.Caller.SessionID {
		return nil, protocol.NewError(protocol.CodePermissionDenied, "subscription belongs to another session")
	}
	d.Bus.Unsubscribe(body.SubscriptionID)
	return protocol.OK(), nil
}

func (d *Deps) handleEventList(_ context.Context, req *router.Request) (any, *protocol.Error) {
	subs := d.Bus.BySession(req.Caller.SessionID)
	out := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		out = append(out, map[string]any{
			"subscriptionId": sub.ID,
			"filter":         sub.Filter,
			"createdAt":      sub.CreatedAt,
			"lastActivity":   sub.LastActivity(),
			"active":         sub.Active(),
			"dropped":        sub.Dropped(),
		})
	}
	return map[string]any{"success": true, "subscriptions": out}, nil
}
