package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/adapter"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// fakeAdapter is a scriptable transport for session and manager tests.
type fakeAdapter struct {
	mode types.Mode
	caps adapter.CapabilitySet

	mu         sync.Mutex
	connected  bool
	connectErr error
	commands   []string
	cmdResult  *adapter.CommandResult

	sent    chan protocol.Frame
	inbound chan protocol.Frame

	closeOnce sync.Once
}

func newFakeAdapter(mode types.Mode) *fakeAdapter {
	caps := adapter.CapabilitySet{adapter.CapCommands: true}
	if mode == types.ModePlugin {
		caps = adapter.CapabilitySet{
			adapter.CapCommands: true, adapter.CapEvents: true,
			adapter.CapMetrics: true, adapter.CapSubscriptions: true, adapter.CapRaw: true,
		}
	}
	return &fakeAdapter{
		mode:      mode,
		caps:      caps,
		connected: true,
		sent:      make(chan protocol.Frame, 64),
		inbound:   make(chan protocol.Frame, 64),
	}
}

func (a *fakeAdapter) Mode() types.Mode                    { return a.mode }
func (a *fakeAdapter) Capabilities() adapter.CapabilitySet { return a.caps }

func (a *fakeAdapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return a.connectErr
	}
	a.connected = true
	return nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.closeOnce.Do(func() { close(a.inbound) })
	return nil
}

func (a *fakeAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *fakeAdapter) SendCommand(_ context.Context, command string) (*adapter.CommandResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, command)
	if a.cmdResult != nil {
		return a.cmdResult, nil
	}
	return &adapter.CommandResult{Success: true}, nil
}

func (a *fakeAdapter) SendRaw(frame protocol.Frame) error {
	if !a.caps.Has(adapter.CapRaw) {
		return adapter.ErrNotSupported
	}
	a.sent <- frame
	return nil
}

func (a *fakeAdapter) Inbound() <-chan protocol.Frame { return a.inbound }

// awaitSent returns the next frame the session wrote, failing after a grace
// period.
func (a *fakeAdapter) awaitSent(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case frame := <-a.sent:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("session wrote no frame")
		return protocol.Frame{}
	}
}

type closeRecorder struct {
	mu      sync.Mutex
	reasons []string
	done    chan struct{}
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{done: make(chan struct{}, 8)}
}

func (r *closeRecorder) hook(_ *Session, reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *closeRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("onClose never fired")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[len(r.reasons)-1]
}

func testTiming() Timing {
	return Timing{RequestTimeout: 2 * time.Second}
}

func newTestSession(t *testing.T, ad adapter.Adapter, timing Timing, sink EventSink, onClose func(*Session, string)) *Session {
	t.Helper()
	s := NewSession("srv-1", ad, timing, zerolog.Nop(), monitoring.NewMetrics(), sink, onClose)
	t.Cleanup(func() { s.Close(ReasonShutdown) })
	return s
}

func TestRequestResponseCorrelation(t *testing.T) {
	ad := newFakeAdapter(types.ModePlugin)
	s := newTestSession(t, ad, testTiming(), nil, nil)

	type result struct {
		frame protocol.Frame
		perr  *protocol.Error
	}
	got := make(chan result, 1)
	go func() {
		frame, perr := s.Request(context.Background(), protocol.OpServerGetInfo, nil)
		got <- result{frame, perr}
	}()

	req := ad.awaitSent(t)
	require.Equal(t, protocol.TypeRequest, req.Type)
	require.Equal(t, protocol.OpServerGetInfo, req.Op)

	resp, err := protocol.NewResponse(req, map[string]any{"success": true, "name": "alpha"})
	require.NoError(t, err)
	ad.inbound <- resp

	res := <-got
	require.Nil(t, res.perr)
	require.Equal(t, req.ID, res.frame.ID)
	require.Equal(t, 0, s.PendingCount())
}

func TestRequestTimeoutRemovesPending(t *testing.T) {
	ad := newFakeAdapter(types.ModePlugin)
	s := newTestSession(t, ad, Timing{RequestTimeout: 50 * time.Millisecond}, nil, nil)

	_, perr := s.Request(context.Background(), protocol.OpServerGetInfo, nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeTimeout, perr.Code)
	require.Equal(t, 0, s.PendingCount())
}

func TestLateResponseIsDropped(t *testing.T) {
	ad := newFakeAdapter(types.ModePlugin)
	s := newTestSession(t, ad, Timing{RequestTimeout: 50 * time.Millisecond}, nil, nil)

	_, perr := s.Request(context.Background(), protocol.OpServerGetInfo, nil)
	require.NotNil(t, perr)

	req := ad.awaitSent(t)
	resp, err := protocol.NewResponse(req, map[string]any{"success": true})
	require.NoError(t, err)
	ad.inbound <- resp

	// The uncorrelated response must not revive the request.
	require.Eventually(t, func() bool { return s.PendingCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestCloseFailsInFlightRequests(t *testing.T) {
	ad := newFakeAdapter(types.ModePlugin)
	rec := newCloseRecorder()
	s := newTestSession(t, ad, testTiming(), nil, rec.hook)

	got := make(chan *protocol.Error, 1)
	go func() {
		_, perr := s.Request(context.Background(), protocol.OpServerGetInfo, nil)
		got <- perr
	}()
	ad.awaitSent(t)

	s.Close(ReasonShutdown)
	perr := <-got
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeSessionClosed, perr.Code)
	require.Equal(t, ReasonShutdown, rec.wait(t))
	require.Equal(t, ReasonShutdown, s.CloseReason())
	require.Equal(t, types.StatusClosed, s.Status())
}

func TestRequestAfterCloseRefused(t *testing.T) {
	ad := newFakeAdapter(types.ModePlugin)
	s := newTestSession(t, ad, testTiming(), nil, nil)
	s.Close(ReasonShutdown)

	_, perr := s.Request(context.Background(), protocol.OpServerGetInfo, nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeSessionClosed, perr.Code)
}

func TestEventFramesReachSink(t *testing.T) {
	events := make(chan types.Event, 4)
	ad := newFakeAdapter(types.ModePlugin)
	newTestSession(t, ad, testTiming(), func(event types.Event) { events <- event }, nil)

	frame, err := protocol.NewEvent("srv-1", protocol.EventPlayerJoin, map[string]any{"playerId": "p1"})
	require.NoError(t, err)
	ad.inbound <- frame

	select {
	case event := <-events:
		require.Equal(t, "srv-1", event.ServerID)
		require.Equal(t, protocol.EventPlayerJoin, event.Kind)
		require.Equal(t, "p1", event.Data["playerId"])
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the sink")
	}
}

func TestEventWithMalformedPayloadStillDelivered(t *testing.T) {
	events := make(chan types.Event, 4)
	ad := newFakeAdapter(types.ModePlugin)
	newTestSession(t, ad, testTiming(), func(event types.Event) { events <- event }, nil)

	frame, err := protocol.NewEvent("srv-1", protocol.EventServerLog, nil)
	require.NoError(t, err)
	frame.Data = json.RawMessage(`"just a string"`)
	ad.inbound <- frame

	select {
	case event := <-events:
		require.Equal(t, protocol.EventServerLog, event.Kind)
		require.Nil(t, event.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the sink")
	}
}

func TestTransportLossClosesSession(t *testing.T) {
	ad := newFakeAdapter(types.ModePlugin)
	rec := newCloseRecorder()
	newTestSession(t, ad, testTiming(), nil, rec.hook)

	ad.Close()
	require.Equal(t, ReasonTransportLost, rec.wait(t))
}

func TestEmulatedPingOnCommandTransport(t *testing.T) {
	ad := newFakeAdapter(types.ModeRCON)
	s := newTestSession(t, ad, testTiming(), nil, nil)

	frame, perr := s.Request(context.Background(), protocol.OpSystemPing, nil)
	require.Nil(t, perr)
	require.Equal(t, protocol.TypeResponse, frame.Type)
}

func TestEmulatedCommandExecute(t *testing.T) {
	ad := newFakeAdapter(types.ModeRCON)
	ad.cmdResult = &adapter.CommandResult{Success: true, Output: []string{"done"}}
	s := newTestSession(t, ad, testTiming(), nil, nil)

	frame, perr := s.Request(context.Background(), protocol.OpCommandExecute,
		map[string]any{"command": "save-all"})
	require.Nil(t, perr)
	require.Equal(t, protocol.TypeResponse, frame.Type)
	require.Equal(t, []string{"save-all"}, ad.commands)
}

func TestUnsupportedOperationOnCommandTransport(t *testing.T) {
	ad := newFakeAdapter(types.ModeRCON)
	s := newTestSession(t, ad, testTiming(), nil, nil)

	_, perr := s.Request(context.Background(), protocol.OpServerGetInfo, nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeInvalidRequest, perr.Code)
}
