package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/events"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/router"
	"github.com/ubridge-dev/ubridge/internal/types"
)

type deliveryRecorder struct {
	mu        sync.Mutex
	delivered []types.Event
	seen      chan struct{}
}

func newDeliveryRecorder() *deliveryRecorder {
	return &deliveryRecorder{seen: make(chan struct{}, 16)}
}

func (r *deliveryRecorder) DeliverEvent(_ string, event types.Event) error {
	r.mu.Lock()
	r.delivered = append(r.delivered, event)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *deliveryRecorder) wait(t *testing.T) types.Event {
	t.Helper()
	select {
	case <-r.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered[len(r.delivered)-1]
}

func TestSubscribeRequiresSession(t *testing.T) {
	deps := newTestDeps(t)
	_, perr := deps.handleSubscribe(context.Background(),
		makeRequest(t, protocol.OpEventSubscribe, "",
			map[string]any{"useDefaults": true}, router.Caller{}))
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeInvalidRequest, perr.Code)
}

func TestSubscribeRequiresKindsOrDefaults(t *testing.T) {
	deps := newTestDeps(t)
	_, perr := deps.handleSubscribe(context.Background(),
		makeRequest(t, protocol.OpEventSubscribe, "", nil, router.Caller{SessionID: "sess-1"}))
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeInvalidRequest, perr.Code)
}

func TestSubscribeDefaultPresets(t *testing.T) {
	deps := newTestDeps(t)
	deps.Deliverer = newDeliveryRecorder()

	payload, perr := deps.handleSubscribe(context.Background(),
		makeRequest(t, protocol.OpEventSubscribe, "",
			map[string]any{"useDefaults": true}, router.Caller{SessionID: "sess-1"}))
	require.Nil(t, perr)
	body := payload.(map[string]any)
	require.Equal(t, events.BasicKinds, body["kinds"])

	payload, perr = deps.handleSubscribe(context.Background(),
		makeRequest(t, protocol.OpEventSubscribe, "",
			map[string]any{"useDefaults": true, "extended": true}, router.Caller{SessionID: "sess-1"}))
	require.Nil(t, perr)
	require.Equal(t, events.ExtendedKinds, payload.(map[string]any)["kinds"])
	require.Equal(t, 2, deps.Bus.Count())
}

func TestSubscribedEventsAreDelivered(t *testing.T) {
	deps := newTestDeps(t)
	rec := newDeliveryRecorder()
	deps.Deliverer = rec

	_, perr := deps.handleSubscribe(context.Background(),
		makeRequest(t, protocol.OpEventSubscribe, "",
			map[string]any{"kinds": []string{protocol.EventPlayerJoin}, "serverId": "srv-1"},
			router.Caller{SessionID: "sess-1"}))
	require.Nil(t, perr)

	deps.Bus.Publish(types.Event{ServerID: "srv-1", Kind: protocol.EventPlayerJoin})
	got := rec.wait(t)
	require.Equal(t, protocol.EventPlayerJoin, got.Kind)
}

func TestUnsubscribeOwnerOnly(t *testing.T) {
	deps := newTestDeps(t)
	deps.Deliverer = newDeliveryRecorder()

	payload, perr := deps.handleSubscribe(context.Background(),
		makeRequest(t, protocol.OpEventSubscribe, "",
			map[string]any{"useDefaults": true}, router.Caller{SessionID: "sess-1"}))
	require.Nil(t, perr)
	subID := payload.(map[string]any)["subscriptionId"].(string)

	_, perr = deps.handleUnsubscribe(context.Background(),
		makeRequest(t, protocol.OpEventUnsubscribe, "",
			map[string]any{"subscriptionId": subID}, router.Caller{SessionID: "sess-2"}))
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodePermissionDenied, perr.Code)

	_, perr = deps.handleUnsubscribe(context.Background(),
		makeRequest(t, protocol.OpEventUnsubscribe, "",
			map[string]any{"subscriptionId": subID}, router.Caller{SessionID: "sess-1"}))
	require.Nil(t, perr)
	require.Equal(t, 0, deps.Bus.Count())
}

func TestUnsubscribeUnknownSubscription(t *testing.T) {
	deps := newTestDeps(t)
	_, perr := deps.handleUnsubscribe(context.Background(),
		makeRequest(t, protocol.OpEventUnsubscribe, "",
			map[string]any{"subscriptionId": "nope"}, router.Caller{SessionID: "sess-1"}))
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeInvalidRequest, perr.Code)
}

func TestEventListShowsOwnSubscriptions(t *testing.T) {
	deps := newTestDeps(t)
	deps.Deliverer = newDeliveryRecorder()

	for i := 0; i < 2; i++ {
		_, perr := deps.handleSubscribe(context.Background(),
			makeRequest(t, protocol.OpEventSubscribe, "",
				map[string]any{"useDefaults": true}, router.Caller{SessionID: "sess-1"}))
		require.Nil(t, perr)
	}
	_, perr := deps.handleSubscribe(context.Background(),
		makeRequest(t, protocol.OpEventSubscribe, "",
			map[string]any{"useDefaults": true}, router.Caller{SessionID: "sess-2"}))
	require.Nil(t, perr)

	payload, perr := deps.handleEventList(context.Background(),
		makeRequest(t, protocol.OpEventList, "", nil, router.Caller{SessionID: "sess-1"}))
	require.Nil(t, perr)
	subs := payload.(map[string]any)["subscriptions"].([]map[string]any)
	require.Len(t, subs, 2)
}
