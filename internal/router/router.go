// Package router dispatches inbound requests to their operation handlers
// and turns handler results into correlated protocol responses.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/audit"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// Caller identifies who issued a request: the admin user for programmatic
// calls, the connector session for wire requests.
type Caller struct {
	SessionID string
	ServerID  string
	UserID    string
	IP        string
}

// Request is one inbound request plus its caller context.
type Request struct {
	Frame  protocol.Frame
	Caller Caller
}

// Decode unmarshals the request payload into out.
func (r *Request) Decode(out any) *protocol.Error {
	if len(r.Frame.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Frame.Data, out); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "malformed payload for %s: %v", r.Frame.Op, err)
	}
	return nil
}

// Handler serves one operation. It returns a payload (which must embed a
// success marker) or a typed error; never both.
type Handler func(ctx context.Context, req *Request) (any, *protocol.Error)

// Router is the operation dispatch table. Registration happens at start-up;
// dispatch afterwards is lock-free reads of an immutable map.
type Router struct {
	handlers map[string]Handler
	log      zerolog.Logger
	metrics  *monitoring.Metrics
	audit    *audit.Logger
}

// New returns an empty router.
func New(logger zerolog.Logger, metrics *monitoring.Metrics, auditLog *audit.Logger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		log:      logger,
		metrics:  metrics,
		audit:    auditLog,
	}
}

// Register installs the handler for op. Later registrations win; that only
// happens in tests.
func (r *Router) Register(op string, h Handler) {
	r.handlers[op] = h
}

// Ops returns the registered operation tags.
func (r *Router) Ops() []string {
	out := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		out = append(out, op)
	}
	return out
}

// Dispatch serves one request and returns the correlated response frame.
// The response id always equals the request id; unknown operations fail
// with UNKNOWN_OPERATION and a handler panic with REQUEST_FAILED, the cause
// logged in full but redacted from the wire.
func (r *Router) Dispatch(ctx context.Context, frame protocol.Frame, caller Caller) protocol.Frame {
	started := time.Now()
	payload, perr := r.invoke(ctx, frame, caller)
	elapsed := time.Since(started)

	outcome := "success"
	if perr != nil {
		outcome = string(perr.Code)
	}
	if r.metrics != nil {
		r.metrics.Requests.Total.WithLabelValues(frame.Op, outcome).Inc()
		r.metrics.Requests.Duration.WithLabelValues(frame.Op).Observe(elapsed.Seconds())
	}

	if perr != nil {
		r.log.Debug().Str("op", frame.Op).Str("id", frame.ID).
			Str("code", string(perr.Code)).Dur("elapsed", elapsed).Msg("Request failed")
		return protocol.NewErrorResponse(frame, perr)
	}

	resp, err := protocol.NewResponse(frame, payload)
	if err != nil {
		r.log.Error().Str("op", frame.Op).Err(err).Msg("Response encoding failed")
		return protocol.NewErrorResponse(frame, protocol.NewError(protocol.CodeRequestFailed, "internal error"))
	}
	return resp
}

func (r *Router) invoke(ctx context.Context, frame protocol.Frame, caller Caller) (payload any, perr *protocol.Error) {
	handler, ok := r.handlers[frame.Op]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeUnknownOperation, "unknown operation %q", frame.Op)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("op", frame.Op).Interface("panic_value", rec).Msg("Handler panicked")
			if r.audit != nil {
				r.audit.Record(types.AuditEntry{
					UserID:       caller.UserID,
					ServerID:     frame.ServerID,
					Op:           frame.Op,
					Result:       types.AuditError,
					ErrorMessage: "handler panic",
					IP:           caller.IP,
				})
			}
			payload = nil
			perr = protocol.NewError(protocol.CodeRequestFailed, "request failed")
		}
	}()

	return handler(ctx, &Request{Frame: frame, Caller: caller})
}
